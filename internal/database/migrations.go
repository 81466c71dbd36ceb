package database

import (
	"errors"
	"time"

	"github.com/nolzago/chat/backend/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClampReadCursors   = "2025-03-02_clamp_chat_read_cursors"
	migrationTrimMessageSenders = "2025-03-09_trim_chat_message_senders"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClampReadCursors, apply: clampReadCursors},
		{name: migrationTrimMessageSenders, apply: trimMessageSenders},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clampReadCursors pulls read cursors that point past the end of a post's log
// back to its latest sequence, so unread counts never go stale after a log is pruned.
func clampReadCursors(db *gorm.DB) error {
	return db.Model(&messages.ReadCursor{}).
		Where("last_read_sequence > (SELECT COALESCE(MAX(sequence), 0) FROM chat_messages WHERE chat_messages.post_id = chat_reads.post_id)").
		Update("last_read_sequence", gorm.Expr("(SELECT COALESCE(MAX(sequence), 0) FROM chat_messages WHERE chat_messages.post_id = chat_reads.post_id)")).Error
}

func trimMessageSenders(db *gorm.DB) error {
	return db.Model(&messages.Record{}).
		Where("sender_id <> TRIM(sender_id)").
		Update("sender_id", gorm.Expr("TRIM(sender_id)")).Error
}
