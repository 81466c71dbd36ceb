package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type connection struct {
	adapter   *Adapter
	transport *fakeTransport
	finished  <-chan error
}

func connect(t *testing.T, ctx context.Context, gate *Gate, registry *Registry, postID PostID, identity Identity) (connection, JoinResult) {
	t.Helper()
	admission, err := gate.Admit(ctx, identity, postID)
	require.NoError(t, err)
	adapter, transport := newTestAdapter(t, postID, identity, 16)
	_, result, err := registry.Join(ctx, admission, adapter)
	require.NoError(t, err)
	return connection{adapter: adapter, transport: transport, finished: runAdapter(t, ctx, adapter)}, result
}

func expectMessage(t *testing.T, transport *fakeTransport, sequence uint64, sender, body string) {
	t.Helper()
	frame := transport.next(t)
	require.Equal(t, FrameMessage, frame.Type)
	require.Equal(t, sequence, frame.Message.Sequence)
	require.Equal(t, sender, frame.Message.Sender)
	require.Equal(t, body, frame.Message.Body)
}

func TestTwoParticipantConversation(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roster := newFakeRoster()
	roster.addPost(testPost, "A", "B")
	store := NewMemoryStore(MemoryStoreConfig{})
	gate := newTestGate(t, roster, time.Second)
	registry, err := NewRegistry(RegistryConfig{Store: store, GracePeriod: time.Minute})
	req.NoError(err)

	a, resultA := connect(t, ctx, gate, registry, testPost, "A")
	req.Equal(JoinResult{Cursor: 0, MemberCount: 1}, resultA)
	req.Equal(FrameAdmitted, a.transport.next(t).Type)

	b, resultB := connect(t, ctx, gate, registry, testPost, "B")
	req.Equal(2, resultB.MemberCount)
	req.Equal(FrameAdmitted, b.transport.next(t).Type)

	a.transport.send("hi")
	expectMessage(t, b.transport, 1, "A", "hi")

	b.transport.send("yo")
	expectMessage(t, a.transport, 2, "B", "yo")
	// A never saw its own "hi"
	a.transport.expectSilence(t, 50*time.Millisecond)

	req.NoError(a.transport.Close(CloseReasonPeerClosed))
	waitRun(t, a.finished)
	room, ok := registry.Lookup(testPost)
	req.True(ok)
	req.Equal(1, room.MemberCount())

	b.transport.send("still there?")
	req.Eventually(func() bool {
		latest, latestErr := store.LatestSequence(ctx, testPost)
		return latestErr == nil && latest == 3
	}, frameWait, 10*time.Millisecond)

	again, resultAgain := connect(t, ctx, gate, registry, testPost, "A")
	req.Equal(JoinResult{Cursor: 3, MemberCount: 2}, resultAgain)
	req.Equal(FrameAdmitted, again.transport.next(t).Type)

	backlog, err := store.ReadSince(ctx, testPost, 0, 0)
	req.NoError(err)
	req.Len(backlog, 3)
	for index, message := range backlog {
		req.Equal(uint64(index+1), message.Sequence)
	}
	req.Equal("still there?", backlog[2].Body)

	b.transport.send("welcome back")
	expectMessage(t, again.transport, 4, "B", "welcome back")

	cancel()
	waitRun(t, b.finished)
	waitRun(t, again.finished)
}

func TestNonParticipantLeavesNoTrace(t *testing.T) {
	req := require.New(t)
	roster := newFakeRoster()
	roster.addPost(testPost, "A")
	gate := newTestGate(t, roster, time.Second)
	recorder := &eventRecorder{}
	registry := newTestRegistry(t, NewMemoryStore(MemoryStoreConfig{}), recorder)

	_, err := gate.Admit(context.Background(), "M", testPost)
	req.ErrorIs(err, ErrNotAParticipant)

	req.Equal(0, registry.RoomCount())
	_, ok := registry.Lookup(testPost)
	req.False(ok)
	req.Equal(0, recorder.count(EventRoomOpened, ""))
}
