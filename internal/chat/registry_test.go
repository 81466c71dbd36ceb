package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRegistryRequiresStore(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	require.ErrorIs(t, err, errMissingStore)
}

func TestRegistryGetOrCreateReturnsSingleInstance(t *testing.T) {
	req := require.New(t)
	registry := newTestRegistry(t, NewMemoryStore(MemoryStoreConfig{}), nil)

	const callers = 32
	rooms := make([]*Room, callers)
	var wg sync.WaitGroup
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			rooms[slot] = registry.GetOrCreate(testPost)
		}(index)
	}
	wg.Wait()

	for _, room := range rooms {
		req.Same(rooms[0], room)
	}
	req.Equal(1, registry.RoomCount())
}

func TestRegistryReleaseIfEmpty(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	recorder := &eventRecorder{}
	registry, err := NewRegistry(RegistryConfig{
		Store:       NewMemoryStore(MemoryStoreConfig{}),
		GracePeriod: time.Hour,
		Observer:    recorder,
	})
	req.NoError(err)

	req.False(registry.ReleaseIfEmpty("missing"))

	room := registry.GetOrCreate(testPost)
	alice, _ := newTestAdapter(t, testPost, "alice", 4)
	_, err = room.Join(ctx, alice)
	req.NoError(err)

	req.False(registry.ReleaseIfEmpty(testPost))
	req.Equal(1, registry.RoomCount())

	room.Leave("alice")
	req.True(registry.ReleaseIfEmpty(testPost))
	req.Equal(0, registry.RoomCount())
	_, ok := registry.Lookup(testPost)
	req.False(ok)

	req.Equal(1, recorder.count(EventRoomOpened, ""))
	req.Equal(1, recorder.count(EventRoomClosed, ""))
}

func TestRegistryReplacesRetiredRoom(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry(t, NewMemoryStore(MemoryStoreConfig{}), nil)

	stale := registry.GetOrCreate(testPost)
	req.True(stale.retireIfEmpty())

	// a join that still holds the retired instance is refused
	early, _ := newTestAdapter(t, testPost, "alice", 4)
	_, err := stale.Join(ctx, early)
	req.ErrorIs(err, errRoomRetired)
	req.Equal(StateConnecting, early.State())

	adapter, _ := newTestAdapter(t, testPost, "alice", 4)
	room, result, err := registry.Join(ctx, Admission{Identity: "alice", PostID: testPost}, adapter)
	req.NoError(err)
	req.NotSame(stale, room)
	req.Equal(1, result.MemberCount)

	current, ok := registry.Lookup(testPost)
	req.True(ok)
	req.Same(room, current)

	// releasing the stale instance must not drop its replacement
	req.False(registry.release(stale))
	req.Equal(1, registry.RoomCount())
}

func TestRegistryGracePeriodKeepsRoomForQuickRejoin(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry, err := NewRegistry(RegistryConfig{
		Store:       NewMemoryStore(MemoryStoreConfig{}),
		GracePeriod: 50 * time.Millisecond,
	})
	req.NoError(err)
	admission := Admission{Identity: "alice", PostID: testPost}

	first, _ := newTestAdapter(t, testPost, "alice", 4)
	room, _, err := registry.Join(ctx, admission, first)
	req.NoError(err)
	room.Leave("alice")

	second, _ := newTestAdapter(t, testPost, "alice", 4)
	rejoined, _, err := registry.Join(ctx, admission, second)
	req.NoError(err)
	req.Same(room, rejoined)

	time.Sleep(150 * time.Millisecond)
	req.Equal(1, registry.RoomCount())

	rejoined.Leave("alice")
	req.Eventually(func() bool { return registry.RoomCount() == 0 }, frameWait, 10*time.Millisecond)
}

func TestRegistryShutdownClosesEveryMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry(t, NewMemoryStore(MemoryStoreConfig{}), nil)

	alice, _ := newTestAdapter(t, "post-a", "alice", 4)
	bob, _ := newTestAdapter(t, "post-b", "bob", 4)
	_, _, err := registry.Join(ctx, Admission{Identity: "alice", PostID: "post-a"}, alice)
	req.NoError(err)
	_, _, err = registry.Join(ctx, Admission{Identity: "bob", PostID: "post-b"}, bob)
	req.NoError(err)

	registry.Shutdown()

	req.Equal(CloseReasonShutdown, alice.CloseReason())
	req.Equal(CloseReasonShutdown, bob.CloseReason())
}

func TestRegistryFailedJoinReleasesRoom(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newFlakyStore()
	store.failLatest.Store(true)
	recorder := &eventRecorder{}
	registry := newTestRegistry(t, store, recorder)

	for _, postID := range []PostID{"post-a", "post-b", "post-c"} {
		adapter, _ := newTestAdapter(t, postID, "alice", 4)
		_, _, err := registry.Join(ctx, Admission{Identity: "alice", PostID: postID}, adapter)
		req.ErrorIs(err, ErrPersistenceFailure)
	}

	req.Equal(0, registry.RoomCount())
	req.Equal(3, recorder.count(EventRoomOpened, ""))
	req.Equal(3, recorder.count(EventRoomClosed, ""))

	// the store recovers and the next join opens a fresh room
	store.failLatest.Store(false)
	adapter, _ := newTestAdapter(t, "post-a", "alice", 4)
	_, result, err := registry.Join(ctx, Admission{Identity: "alice", PostID: "post-a"}, adapter)
	req.NoError(err)
	req.Equal(1, result.MemberCount)
	req.Equal(1, registry.RoomCount())
}

func TestRegistryEachEmptyPeriodGetsFullGraceWindow(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	const grace = 300 * time.Millisecond
	registry, err := NewRegistry(RegistryConfig{
		Store:       NewMemoryStore(MemoryStoreConfig{}),
		GracePeriod: grace,
	})
	req.NoError(err)
	admission := Admission{Identity: "alice", PostID: testPost}

	first, _ := newTestAdapter(t, testPost, "alice", 4)
	room, _, err := registry.Join(ctx, admission, first)
	req.NoError(err)
	room.Leave("alice")

	time.Sleep(grace / 2)
	second, _ := newTestAdapter(t, testPost, "alice", 4)
	rejoined, _, err := registry.Join(ctx, admission, second)
	req.NoError(err)
	req.Same(room, rejoined)
	rejoined.Leave("alice")

	// the release scheduled for the first empty period has fired by now
	time.Sleep(grace/2 + grace/3)
	current, ok := registry.Lookup(testPost)
	req.True(ok)
	req.Same(room, current)

	req.Eventually(func() bool { return registry.RoomCount() == 0 }, frameWait, 10*time.Millisecond)
}

func TestRegistryShutdownReleasesRooms(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	recorder := &eventRecorder{}
	registry, err := NewRegistry(RegistryConfig{
		Store:       NewMemoryStore(MemoryStoreConfig{}),
		GracePeriod: time.Hour,
		Observer:    recorder,
	})
	req.NoError(err)

	for _, postID := range []PostID{"post-a", "post-b"} {
		adapter, _ := newTestAdapter(t, postID, "alice", 4)
		_, _, err := registry.Join(ctx, Admission{Identity: "alice", PostID: postID}, adapter)
		req.NoError(err)
	}

	registry.Shutdown()

	req.Equal(0, registry.RoomCount())
	req.Equal(2, recorder.count(EventRoomClosed, ""))
	req.Equal(2, recorder.count(EventMemberLeft, "alice"))
}
