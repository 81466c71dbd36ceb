package messages

import (
	"time"

	"github.com/nolzago/chat/backend/internal/chat"
)

// Record is the persisted form of one chat message.
type Record struct {
	MessageID      string `gorm:"column:message_id;primaryKey;size:190;not null"`
	PostID         string `gorm:"column:post_id;size:190;not null;uniqueIndex:idx_chat_messages_post_seq,priority:1"`
	Sequence       uint64 `gorm:"column:sequence;not null;uniqueIndex:idx_chat_messages_post_seq,priority:2"`
	SenderID       string `gorm:"column:sender_id;size:190;not null"`
	Body           string `gorm:"column:body;type:text;not null"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "chat_messages"
}

func (r Record) toMessage() chat.Message {
	return chat.Message{
		ID:        r.MessageID,
		Sequence:  r.Sequence,
		PostID:    chat.PostID(r.PostID),
		Sender:    chat.Identity(r.SenderID),
		Body:      r.Body,
		CreatedAt: time.Unix(0, r.CreatedAtNanos).UTC(),
	}
}

// ReadCursor stores the highest sequence a participant has read in a post.
type ReadCursor struct {
	PostID           string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	LastReadSequence uint64 `gorm:"column:last_read_sequence;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReadCursor) TableName() string {
	return "chat_reads"
}
