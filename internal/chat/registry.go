package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGracePeriod = 5 * time.Second
	maxJoinAttempts    = 8
)

var (
	errAdmissionMismatch = errors.New("chat: admission does not match adapter")
	errRoomChurn         = errors.New("chat: room kept retiring during join")
)

// RegistryConfig configures the room registry and the rooms it creates.
type RegistryConfig struct {
	Store          MessageStore
	GracePeriod    time.Duration
	PublishTimeout time.Duration
	Observer       Observer
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Registry maps each post with live connections to its Room. It is the only
// place rooms are created, and its lock is independent of every room's lock.
type Registry struct {
	store          MessageStore
	gracePeriod    time.Duration
	publishTimeout time.Duration
	observer       Observer
	logger         *zap.Logger
	clock          func() time.Time

	mu    sync.Mutex
	rooms map[PostID]*Room
}

// NewRegistry validates the configuration and constructs an empty Registry.
// A negative GracePeriod releases empty rooms immediately.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod == 0 {
		gracePeriod = defaultGracePeriod
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:          cfg.Store,
		gracePeriod:    gracePeriod,
		publishTimeout: publishTimeout,
		observer:       observer,
		logger:         logger,
		clock:          clock,
		rooms:          make(map[PostID]*Room),
	}, nil
}

// GetOrCreate returns the live Room for postID, creating it if absent or if the
// registered instance has been retired. Concurrent callers get the same Room.
func (g *Registry) GetOrCreate(postID PostID) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[postID]; ok && !room.retired.Load() {
		return room
	}
	room := newRoom(roomConfig{
		postID:         postID,
		store:          g.store,
		publishTimeout: g.publishTimeout,
		observer:       g.observer,
		logger:         g.logger,
		clock:          g.clock,
		onEmpty:        g.scheduleRelease,
	})
	g.rooms[postID] = room
	g.observer.Observe(Event{Type: EventRoomOpened, PostID: postID, Time: g.clock().UTC()})
	return room
}

// Lookup returns the registered, non-retired Room for postID without creating one.
func (g *Registry) Lookup(postID PostID) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[postID]
	if !ok || room.retired.Load() {
		return nil, false
	}
	return room, true
}

// Join registers adapter with the room named by admission, retrying when it
// races with the retirement of an empty room.
func (g *Registry) Join(ctx context.Context, admission Admission, adapter *Adapter) (*Room, JoinResult, error) {
	if admission.Identity != adapter.Identity() || admission.PostID != adapter.PostID() {
		return nil, JoinResult{}, errAdmissionMismatch
	}
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		room := g.GetOrCreate(admission.PostID)
		result, err := room.Join(ctx, adapter)
		if errors.Is(err, errRoomRetired) {
			continue
		}
		if err != nil {
			// a failed first join must not leave an empty room registered
			g.scheduleRelease(room, room.currentEpoch())
			return nil, JoinResult{}, err
		}
		return room, result, nil
	}
	return nil, JoinResult{}, fmt.Errorf("%w: %s", errRoomChurn, admission.PostID)
}

// ReleaseIfEmpty removes postID's room when it still has no members.
// It reports whether a room was removed.
func (g *Registry) ReleaseIfEmpty(postID PostID) bool {
	g.mu.Lock()
	room, ok := g.rooms[postID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.release(room)
}

func (g *Registry) release(room *Room) bool {
	return g.unregister(room, room.retireIfEmpty())
}

func (g *Registry) unregister(room *Room, retiredNow bool) bool {
	if !retiredNow && !room.retired.Load() {
		return false
	}

	g.mu.Lock()
	current, ok := g.rooms[room.PostID()]
	removed := ok && current == room
	if removed {
		delete(g.rooms, room.PostID())
	}
	g.mu.Unlock()

	if retiredNow {
		g.observer.Observe(Event{Type: EventRoomClosed, PostID: room.PostID(), Time: g.clock().UTC()})
	}
	return removed
}

// scheduleRelease retires room after the grace period unless someone joins
// it in the meantime. Every empty period gets its own full grace window.
func (g *Registry) scheduleRelease(room *Room, epoch uint64) {
	if g.gracePeriod < 0 {
		g.unregister(room, room.retireIfIdleSince(epoch))
		return
	}
	time.AfterFunc(g.gracePeriod, func() {
		g.unregister(room, room.retireIfIdleSince(epoch))
	})
}

// RoomCount returns the number of registered rooms.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown disconnects every member of every room and releases the rooms.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	for _, room := range rooms {
		room.closeAll(CloseReasonShutdown)
		g.release(room)
	}
	g.logger.Info("chat registry shut down", zap.Int("rooms", len(rooms)))
}
