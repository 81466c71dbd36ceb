package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultPublishTimeout = 5 * time.Second

var (
	errRoomRetired   = errors.New("chat: room retired")
	errWrongRoom     = errors.New("chat: adapter belongs to another post")
	errMissingStore  = errors.New("chat: message store is required")
	errAdapterClosed = errors.New("chat: adapter closed before joining")
)

type roomConfig struct {
	postID         PostID
	store          MessageStore
	publishTimeout time.Duration
	observer       Observer
	logger         *zap.Logger
	clock          func() time.Time
	onEmpty        func(room *Room, epoch uint64)
}

// Room is the serialization domain of one post. Membership changes and the
// append-then-broadcast sequence of Publish all run under mu, so every member
// observes messages in store order.
type Room struct {
	postID         PostID
	store          MessageStore
	publishTimeout time.Duration
	observer       Observer
	logger         *zap.Logger
	clock          func() time.Time
	onEmpty        func(room *Room, epoch uint64)

	mu      sync.Mutex
	members map[Identity]*Adapter
	// epoch advances on every join, so a release scheduled for an earlier
	// empty period cannot retire the room during a later one.
	epoch uint64
	// retired is written under mu and read without it by the registry.
	retired atomic.Bool
}

func newRoom(cfg roomConfig) *Room {
	return &Room{
		postID:         cfg.postID,
		store:          cfg.store,
		publishTimeout: cfg.publishTimeout,
		observer:       cfg.observer,
		logger:         cfg.logger,
		clock:          cfg.clock,
		onEmpty:        cfg.onEmpty,
		members:        make(map[Identity]*Adapter),
	}
}

// PostID returns the post this room serves.
func (r *Room) PostID() PostID {
	return r.postID
}

// MemberCount returns the number of live members.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns a snapshot of the connected identities.
func (r *Room) Members() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	identities := make([]Identity, 0, len(r.members))
	for identity := range r.members {
		identities = append(identities, identity)
	}
	return identities
}

// Join registers adapter as the live connection of its identity. A previous
// connection of the same identity is closed and replaced. The returned cursor
// is the latest stored sequence; the adapter receives every later message live.
func (r *Room) Join(ctx context.Context, adapter *Adapter) (JoinResult, error) {
	if adapter.PostID() != r.postID {
		return JoinResult{}, fmt.Errorf("%w: %s", errWrongRoom, adapter.PostID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired.Load() {
		return JoinResult{}, errRoomRetired
	}

	cursorCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	cursor, err := r.store.LatestSequence(cursorCtx, r.postID)
	cancel()
	if err != nil {
		r.logError(opJoin, "cursor_lookup_failed", err, zap.String("identity", adapter.Identity().String()))
		return JoinResult{}, newError(opJoin, KindPersistenceFailure, err)
	}

	if err := adapter.activate(r); err != nil {
		return JoinResult{}, newError(opJoin, KindNotConnected, errAdapterClosed)
	}

	identity := adapter.Identity()
	if previous, ok := r.members[identity]; ok {
		r.removeLocked(previous, CloseReasonReplaced)
		previous.Close(CloseReasonReplaced)
	}
	r.members[identity] = adapter
	r.epoch++

	result := JoinResult{Cursor: cursor, MemberCount: len(r.members)}
	// the queue is fresh, so the admitted frame always precedes live messages
	adapter.enqueue(admittedFrame(result))
	r.emit(Event{Type: EventMemberJoined, Identity: identity, MemberCount: result.MemberCount})
	return result, nil
}

// Leave removes identity's connection and closes it. Leaving twice, or leaving
// an identity that never joined, is a no-op.
func (r *Room) Leave(identity Identity) {
	r.mu.Lock()
	adapter, ok := r.members[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(adapter, CloseReasonRemoved)
	empty, epoch := len(r.members) == 0, r.epoch
	r.mu.Unlock()

	adapter.Close(CloseReasonRemoved)
	if empty {
		r.notifyEmpty(epoch)
	}
}

// detach removes adapter only if it is still the registered connection of its
// identity, so a replaced adapter never evicts its successor.
func (r *Room) detach(adapter *Adapter) {
	r.mu.Lock()
	current, ok := r.members[adapter.Identity()]
	if !ok || current != adapter {
		r.mu.Unlock()
		return
	}
	reason := adapter.CloseReason()
	if reason == "" {
		reason = CloseReasonPeerClosed
	}
	r.removeLocked(adapter, reason)
	empty, epoch := len(r.members) == 0, r.epoch
	r.mu.Unlock()

	if empty {
		r.notifyEmpty(epoch)
	}
}

// Publish appends body on behalf of identity and broadcasts the stored message
// to every other member. identity must currently be connected.
func (r *Room) Publish(ctx context.Context, identity Identity, body string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.members[identity]
	if !ok {
		return Message{}, newError(opPublish, KindNotConnected, nil)
	}
	return r.publishLocked(ctx, sender, body)
}

func (r *Room) publishFrom(ctx context.Context, adapter *Adapter, body string) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.members[adapter.Identity()]
	if !ok || current != adapter {
		return Message{}, newError(opPublish, KindNotConnected, nil)
	}
	return r.publishLocked(ctx, adapter, body)
}

func (r *Room) publishLocked(ctx context.Context, sender *Adapter, body string) (Message, error) {
	if body == "" {
		return Message{}, newError(opPublish, KindInvalidMessage, nil)
	}

	appendCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	message, err := r.store.Append(appendCtx, r.postID, sender.Identity(), body)
	cancel()
	if err != nil {
		r.logError(opPublish, "append_failed", err, zap.String("identity", sender.Identity().String()))
		return Message{}, newError(opPublish, KindPersistenceFailure, err)
	}

	frame := messageFrame(message)
	var stalled []*Adapter
	for _, member := range r.members {
		if member == sender {
			continue
		}
		if !member.enqueue(frame) {
			stalled = append(stalled, member)
		}
	}
	for _, member := range stalled {
		r.logger.Warn("evicting slow chat member",
			zap.String("post_id", r.postID.String()),
			zap.String("identity", member.Identity().String()),
			zap.Uint64("sequence", message.Sequence))
		r.removeLocked(member, CloseReasonSlowConsumer)
		member.Close(CloseReasonSlowConsumer)
	}

	return message, nil
}

// closeAll disconnects every member. Used on shutdown.
func (r *Room) closeAll(reason CloseReason) {
	r.mu.Lock()
	members := make([]*Adapter, 0, len(r.members))
	for _, member := range r.members {
		members = append(members, member)
	}
	for _, member := range members {
		r.removeLocked(member, reason)
	}
	r.mu.Unlock()

	for _, member := range members {
		member.Close(reason)
	}
}

// retireIfEmpty marks the room retired when it has no members and reports
// whether this call did so. A retired room rejects joins and is replaced by
// the registry on the next GetOrCreate.
func (r *Room) retireIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retireLocked()
}

// retireIfIdleSince retires the room only if nobody joined after epoch.
func (r *Room) retireIfIdleSince(epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.epoch != epoch {
		return false
	}
	return r.retireLocked()
}

// currentEpoch returns the join epoch for scheduling a release.
func (r *Room) currentEpoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

func (r *Room) retireLocked() bool {
	if r.retired.Load() || len(r.members) > 0 {
		return false
	}
	r.retired.Store(true)
	return true
}

func (r *Room) removeLocked(adapter *Adapter, reason CloseReason) {
	identity := adapter.Identity()
	delete(r.members, identity)
	r.emit(Event{Type: EventMemberLeft, Identity: identity, Reason: reason, MemberCount: len(r.members)})
}

func (r *Room) notifyEmpty(epoch uint64) {
	if r.onEmpty != nil {
		r.onEmpty(r, epoch)
	}
}

func (r *Room) emit(event Event) {
	event.PostID = r.postID
	event.Time = r.clock().UTC()
	r.observer.Observe(event)
}

func (r *Room) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("post_id", r.postID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("chat room error", attrs...)
}
