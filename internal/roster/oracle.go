package roster

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
	errMissingOwner    = errors.New("post owner is required")
	// ErrNotJoined is returned by Leave when the user never joined the post.
	ErrNotJoined = errors.New("roster: user has not joined the post")
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
	opDirectoryNew = "roster.directory.new"
	opLookup       = "roster.lookup"
	opCreatePost   = "roster.create_post"
	opJoin         = "roster.join"
	opLeave        = "roster.leave"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

type DirectoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Directory reads and maintains post participation. It answers the chat
// admission gate as a chat.RosterOracle.
type Directory struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ chat.RosterOracle = (*Directory)(nil)

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDirectoryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Lookup reports whether identity participates in postID. The post owner
// always participates.
func (d *Directory) Lookup(ctx context.Context, postID chat.PostID, identity chat.Identity) (chat.RosterFact, error) {
	var post Post
	err := d.db.WithContext(ctx).Where("post_id = ?", postID.String()).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.RosterFact{}, chat.ErrUnknownPost
	}
	if err != nil {
		d.logError(opLookup, "post_select_failed", err, zap.String("post_id", postID.String()))
		return chat.RosterFact{}, newServiceError(opLookup, "post_select_failed", err)
	}
	if post.OwnerID == identity.String() {
		return chat.RosterFact{IsParticipant: true}, nil
	}

	var participant Participant
	err = d.db.WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID.String(), identity.String()).
		Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.RosterFact{}, nil
	}
	if err != nil {
		d.logError(opLookup, "participant_select_failed", err,
			zap.String("post_id", postID.String()),
			zap.String("identity", identity.String()))
		return chat.RosterFact{}, newServiceError(opLookup, "participant_select_failed", err)
	}
	if participant.LeftAtSeconds != nil {
		return chat.RosterFact{HasLeft: true}, nil
	}
	return chat.RosterFact{IsParticipant: true}, nil
}

// CreatePost registers a post and its owner. Re-creating an existing post is a no-op.
func (d *Directory) CreatePost(ctx context.Context, postID chat.PostID, owner chat.Identity, title string) error {
	if owner == "" {
		return newServiceError(opCreatePost, "missing_owner", errMissingOwner)
	}
	post := Post{
		PostID:           postID.String(),
		OwnerID:          owner.String(),
		Title:            title,
		CreatedAtSeconds: d.clock().UTC().Unix(),
	}
	if err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&post).Error; err != nil {
		d.logError(opCreatePost, "insert_failed", err, zap.String("post_id", postID.String()))
		return newServiceError(opCreatePost, "insert_failed", err)
	}
	return nil
}

// Join records identity as a participant of postID, clearing any earlier departure.
func (d *Directory) Join(ctx context.Context, postID chat.PostID, identity chat.Identity) error {
	var post Post
	err := d.db.WithContext(ctx).Where("post_id = ?", postID.String()).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat.ErrUnknownPost
	}
	if err != nil {
		d.logError(opJoin, "post_select_failed", err, zap.String("post_id", postID.String()))
		return newServiceError(opJoin, "post_select_failed", err)
	}

	participant := Participant{
		PostID:          postID.String(),
		UserID:          identity.String(),
		JoinedAtSeconds: d.clock().UTC().Unix(),
	}
	if err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "post_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{"joined_at_s": participant.JoinedAtSeconds, "left_at_s": nil}),
	}).Create(&participant).Error; err != nil {
		d.logError(opJoin, "upsert_failed", err,
			zap.String("post_id", postID.String()),
			zap.String("identity", identity.String()))
		return newServiceError(opJoin, "upsert_failed", err)
	}
	return nil
}

// Leave marks identity as having left postID.
func (d *Directory) Leave(ctx context.Context, postID chat.PostID, identity chat.Identity) error {
	leftAt := d.clock().UTC().Unix()
	result := d.db.WithContext(ctx).
		Model(&Participant{}).
		Where("post_id = ? AND user_id = ? AND left_at_s IS NULL", postID.String(), identity.String()).
		Update("left_at_s", leftAt)
	if result.Error != nil {
		d.logError(opLeave, "update_failed", result.Error,
			zap.String("post_id", postID.String()),
			zap.String("identity", identity.String()))
		return newServiceError(opLeave, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotJoined
	}
	return nil
}

func (d *Directory) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("roster error", attrs...)
}
