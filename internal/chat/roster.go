package chat

import (
	"context"
	"errors"
)

// ErrUnknownPost is returned by a RosterOracle when the post does not exist.
var ErrUnknownPost = errors.New("roster: unknown post")

// RosterFact is the roster's answer for one (post, identity) pair.
type RosterFact struct {
	IsParticipant bool
	HasLeft       bool
}

// RosterOracle answers participation questions on behalf of the post subsystem.
// Answers must not be cached beyond a single admission decision.
type RosterOracle interface {
	Lookup(ctx context.Context, postID PostID, identity Identity) (RosterFact, error)
}
