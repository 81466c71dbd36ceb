package messages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nolzago/chat/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingPostID   = errors.New("post identifier is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew       = "messages.store.new"
	opAppend         = "messages.append"
	opReadSince      = "messages.read_since"
	opLatestSequence = "messages.latest_sequence"
	opMarkRead       = "messages.mark_read"
	opUnreadCount    = "messages.unread_count"
	opLastRead       = "messages.last_read"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider chat.IDProvider
	Logger     *zap.Logger
}

// Store is the SQLite-backed chat.MessageStore. It also tracks per-participant
// read cursors for unread counts.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider chat.IDProvider
	logger     *zap.Logger
}

var _ chat.MessageStore = (*Store)(nil)

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = chat.NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Append assigns the next sequence for postID and persists the message in one
// transaction. The unique (post_id, sequence) index rejects a concurrent writer
// that read the same maximum.
func (s *Store) Append(ctx context.Context, postID chat.PostID, sender chat.Identity, body string) (chat.Message, error) {
	if postID == "" {
		return chat.Message{}, newServiceError(opAppend, "missing_post_id", errMissingPostID)
	}
	if sender == "" {
		return chat.Message{}, newServiceError(opAppend, "missing_sender", errMissingUserID)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAppend, "id_generation_failed", err, zap.String("post_id", postID.String()))
		return chat.Message{}, newServiceError(opAppend, "id_generation_failed", err)
	}

	var record Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest uint64
		if err := tx.Model(&Record{}).
			Where("post_id = ?", postID.String()).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&latest).Error; err != nil {
			s.logError(opAppend, "sequence_select_failed", err, zap.String("post_id", postID.String()))
			return newServiceError(opAppend, "sequence_select_failed", err)
		}

		record = Record{
			MessageID:      messageID,
			PostID:         postID.String(),
			Sequence:       latest + 1,
			SenderID:       sender.String(),
			Body:           body,
			CreatedAtNanos: s.clock().UTC().UnixNano(),
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opAppend, "message_insert_failed", err,
				zap.String("post_id", postID.String()),
				zap.Uint64("sequence", record.Sequence))
			return newServiceError(opAppend, "message_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if !errors.As(txErr, &serviceErr) {
			s.logError(opAppend, "transaction_failed", txErr, zap.String("post_id", postID.String()))
			txErr = newServiceError(opAppend, "transaction_failed", txErr)
		}
		return chat.Message{}, txErr
	}

	return record.toMessage(), nil
}

// ReadSince returns up to limit messages of postID with a sequence greater
// than afterSequence, oldest first.
func (s *Store) ReadSince(ctx context.Context, postID chat.PostID, afterSequence uint64, limit int) ([]chat.Message, error) {
	if postID == "" {
		return nil, newServiceError(opReadSince, "missing_post_id", errMissingPostID)
	}

	var records []Record
	if err := s.db.WithContext(ctx).
		Where("post_id = ? AND sequence > ?", postID.String(), afterSequence).
		Order("sequence ASC").
		Limit(chat.NormalizeLimit(limit)).
		Find(&records).Error; err != nil {
		s.logError(opReadSince, "query_failed", err, zap.String("post_id", postID.String()))
		return nil, newServiceError(opReadSince, "query_failed", err)
	}

	messages := make([]chat.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.toMessage())
	}
	return messages, nil
}

// ReadLatest returns the newest count messages of postID, oldest first.
func (s *Store) ReadLatest(ctx context.Context, postID chat.PostID, count int) ([]chat.Message, error) {
	latest, err := s.LatestSequence(ctx, postID)
	if err != nil {
		return nil, err
	}
	count = chat.NormalizeLimit(count)
	var after uint64
	if latest > uint64(count) {
		after = latest - uint64(count)
	}
	return s.ReadSince(ctx, postID, after, count)
}

// LatestSequence returns the highest stored sequence of postID, or zero.
func (s *Store) LatestSequence(ctx context.Context, postID chat.PostID) (uint64, error) {
	if postID == "" {
		return 0, newServiceError(opLatestSequence, "missing_post_id", errMissingPostID)
	}

	var latest uint64
	if err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("post_id = ?", postID.String()).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&latest).Error; err != nil {
		s.logError(opLatestSequence, "query_failed", err, zap.String("post_id", postID.String()))
		return 0, newServiceError(opLatestSequence, "query_failed", err)
	}
	return latest, nil
}

// MarkRead advances userID's read cursor in postID to sequence. The cursor
// never moves backwards.
func (s *Store) MarkRead(ctx context.Context, postID chat.PostID, userID chat.Identity, sequence uint64) error {
	if postID == "" {
		return newServiceError(opMarkRead, "missing_post_id", errMissingPostID)
	}
	if userID == "" {
		return newServiceError(opMarkRead, "missing_user_id", errMissingUserID)
	}

	cursor := ReadCursor{
		PostID:           postID.String(),
		UserID:           userID.String(),
		LastReadSequence: sequence,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "post_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_read_sequence": gorm.Expr("MAX(chat_reads.last_read_sequence, excluded.last_read_sequence)"),
			"updated_at_s":       gorm.Expr("excluded.updated_at_s"),
		}),
	}).Create(&cursor).Error; err != nil {
		s.logError(opMarkRead, "upsert_failed", err,
			zap.String("post_id", postID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opMarkRead, "upsert_failed", err)
	}
	return nil
}

// LastRead returns userID's read cursor in postID, or zero when none is stored.
func (s *Store) LastRead(ctx context.Context, postID chat.PostID, userID chat.Identity) (uint64, error) {
	var cursor ReadCursor
	err := s.db.WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID.String(), userID.String()).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		s.logError(opLastRead, "query_failed", err,
			zap.String("post_id", postID.String()),
			zap.String("user_id", userID.String()))
		return 0, newServiceError(opLastRead, "query_failed", err)
	}
	return cursor.LastReadSequence, nil
}

// UnreadCount counts messages of postID past userID's read cursor that were
// sent by someone else.
func (s *Store) UnreadCount(ctx context.Context, postID chat.PostID, userID chat.Identity) (int64, error) {
	if postID == "" {
		return 0, newServiceError(opUnreadCount, "missing_post_id", errMissingPostID)
	}
	if userID == "" {
		return 0, newServiceError(opUnreadCount, "missing_user_id", errMissingUserID)
	}

	lastRead, err := s.LastRead(ctx, postID, userID)
	if err != nil {
		return 0, err
	}

	var unread int64
	if err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("post_id = ? AND sequence > ? AND sender_id <> ?", postID.String(), lastRead, userID.String()).
		Count(&unread).Error; err != nil {
		s.logError(opUnreadCount, "query_failed", err,
			zap.String("post_id", postID.String()),
			zap.String("user_id", userID.String()))
		return 0, newServiceError(opUnreadCount, "query_failed", err)
	}
	return unread, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("message store error", attrs...)
}
