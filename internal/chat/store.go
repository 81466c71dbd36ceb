package chat

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultPageSize is used by ReadSince when the caller passes a non-positive limit.
	DefaultPageSize = 100
	// MaxPageSize caps a single ReadSince page.
	MaxPageSize = 500
)

var errMissingIDProvider = errors.New("chat: id provider is required")

// MessageStore is the durable, strictly ordered log of a post's messages.
//
// Append assigns the next sequence for postID atomically; concurrent appends for
// one post never produce duplicate or out-of-order sequences. ReadSince returns
// messages with sequence > afterSequence in ascending order and reflects every
// append that completed before the read started.
type MessageStore interface {
	Append(ctx context.Context, postID PostID, sender Identity, body string) (Message, error)
	ReadSince(ctx context.Context, postID PostID, afterSequence uint64, limit int) ([]Message, error)
	LatestSequence(ctx context.Context, postID PostID) (uint64, error)
}

// NormalizeLimit clamps a requested page size into [1, MaxPageSize].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// MemoryStoreConfig configures an in-process MessageStore.
type MemoryStoreConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
}

// MemoryStore keeps every post's log in memory. It backs tests and local runs.
type MemoryStore struct {
	mu    sync.RWMutex
	logs  map[PostID][]Message
	clock func() time.Time
	ids   IDProvider
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	return &MemoryStore{
		logs:  make(map[PostID][]Message),
		clock: clock,
		ids:   ids,
	}
}

func (s *MemoryStore) Append(ctx context.Context, postID PostID, sender Identity, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if s.ids == nil {
		return Message{}, errMissingIDProvider
	}
	messageID, err := s.ids.NewID()
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[postID]
	message := Message{
		ID:        messageID,
		Sequence:  uint64(len(log)) + 1,
		PostID:    postID,
		Sender:    sender,
		Body:      body,
		CreatedAt: s.clock().UTC(),
	}
	s.logs[postID] = append(log, message)
	return message, nil
}

func (s *MemoryStore) ReadSince(ctx context.Context, postID PostID, afterSequence uint64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = NormalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[postID]
	// sequences are 1-based and gapless, so the index of sequence n is n-1
	if afterSequence >= uint64(len(log)) {
		return []Message{}, nil
	}
	remaining := log[afterSequence:]
	if len(remaining) > limit {
		remaining = remaining[:limit]
	}
	page := make([]Message, len(remaining))
	copy(page, remaining)
	return page, nil
}

func (s *MemoryStore) LatestSequence(ctx context.Context, postID PostID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.logs[postID])), nil
}
