package chat

import (
	"errors"
	"fmt"
)

// Kind classifies chat failures into the categories reported to clients.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindPostNotFound       Kind = "post_not_found"
	KindNotAParticipant    Kind = "not_a_participant"
	KindAdmissionTimeout   Kind = "admission_timeout"
	KindNotConnected       Kind = "not_connected"
	KindInvalidMessage     Kind = "invalid_message"
	KindPersistenceFailure Kind = "persistence_failure"
	// KindRateLimited is reported when a connection sends faster than its allowance.
	KindRateLimited Kind = "rate_limited"
)

var (
	ErrUnauthenticated    = &Error{kind: KindUnauthenticated}
	ErrPostNotFound       = &Error{kind: KindPostNotFound}
	ErrNotAParticipant    = &Error{kind: KindNotAParticipant}
	ErrAdmissionTimeout   = &Error{kind: KindAdmissionTimeout}
	ErrNotConnected       = &Error{kind: KindNotConnected}
	ErrInvalidMessage     = &Error{kind: KindInvalidMessage}
	ErrPersistenceFailure = &Error{kind: KindPersistenceFailure}
	ErrRateLimited        = &Error{kind: KindRateLimited}
)

const (
	opAdmit   = "chat.admit"
	opJoin    = "chat.join"
	opPublish = "chat.publish"
	opInbound = "chat.inbound"
)

// Error carries the failure kind together with the operation that produced it.
// errors.Is matches any Error against the sentinel of the same kind.
type Error struct {
	kind Kind
	op   string
	err  error
}

func newError(operation string, kind Kind, cause error) error {
	return &Error{kind: kind, op: operation, err: cause}
}

func (e *Error) Error() string {
	code := string(e.kind)
	if e.op != "" {
		code = e.op + "." + code
	}
	if e.err == nil {
		return code
	}
	return fmt.Sprintf("%s: %v", code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.op == "" && sentinel.err == nil && sentinel.kind == e.kind
}

// KindOf extracts the failure kind from err, or returns an empty Kind.
func KindOf(err error) Kind {
	var chatErr *Error
	if errors.As(err, &chatErr) {
		return chatErr.kind
	}
	return ""
}
