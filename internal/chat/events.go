package chat

import (
	"time"

	"go.uber.org/zap"
)

// EventType names a room lifecycle event.
type EventType string

const (
	EventRoomOpened   EventType = "room_opened"
	EventRoomClosed   EventType = "room_closed"
	EventMemberJoined EventType = "member_joined"
	EventMemberLeft   EventType = "member_left"
)

// Event describes a change in the registry or in a room's membership.
type Event struct {
	Type        EventType
	PostID      PostID
	Identity    Identity
	Reason      CloseReason
	MemberCount int
	Time        time.Time
}

// Observer receives lifecycle events. Observe may be called while a room is
// locked, so implementations must return promptly and must not call back into the room.
type Observer interface {
	Observe(event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event Event)

// Observe calls f(event).
func (f ObserverFunc) Observe(event Event) {
	f(event)
}

type logObserver struct {
	logger *zap.Logger
}

// NewLogObserver returns an Observer that records events at debug level
// and room open/close at info level.
func NewLogObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logObserver{logger: logger}
}

func (o *logObserver) Observe(event Event) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("post_id", event.PostID.String()),
	}
	if event.Identity != "" {
		fields = append(fields, zap.String("identity", event.Identity.String()))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", string(event.Reason)))
	}
	switch event.Type {
	case EventRoomOpened, EventRoomClosed:
		o.logger.Info("chat room lifecycle", fields...)
	default:
		fields = append(fields, zap.Int("member_count", event.MemberCount))
		o.logger.Debug("chat room membership", fields...)
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
