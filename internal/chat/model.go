package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPostID indicates that a post identifier is empty or exceeds storage bounds.
	ErrInvalidPostID = errors.New("chat: invalid post id")
	// ErrInvalidIdentity indicates that an identity is empty or exceeds storage bounds.
	ErrInvalidIdentity = errors.New("chat: invalid identity")
)

// PostID identifies the recruitment post that scopes one room.
type PostID string

// NewPostID validates raw input and returns a PostID.
func NewPostID(rawInput string) (PostID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPostID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPostID, maxIdentifierLength)
	}
	return PostID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PostID) String() string {
	return string(id)
}

// Identity is an already verified principal. The chat core never creates one.
type Identity string

// NewIdentity validates raw input and returns an Identity.
func NewIdentity(rawInput string) (Identity, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentity, maxIdentifierLength)
	}
	return Identity(trimmed), nil
}

// String returns the underlying string identifier.
func (id Identity) String() string {
	return string(id)
}

// Message is an immutable entry of a room's log.
// Sequence is assigned by the MessageStore on append and is gapless per post.
type Message struct {
	ID        string
	Sequence  uint64
	PostID    PostID
	Sender    Identity
	Body      string
	CreatedAt time.Time
}

// JoinResult is returned to a connection once it is registered with a room.
// Live delivery only carries messages with a sequence strictly greater than Cursor.
type JoinResult struct {
	Cursor      uint64
	MemberCount int
}
