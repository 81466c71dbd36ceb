package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const frameWait = 2 * time.Second

var (
	errTransportClosed  = errors.New("transport closed")
	errStoreUnavailable = errors.New("store unavailable")
)

type fakeTransport struct {
	inbound   chan []byte
	outbound  chan Frame
	closed    chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 16),
		outbound: make(chan Frame, 256),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-t.inbound:
		return payload, nil
	case <-t.closed:
		return nil, errTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, frame Frame) error {
	select {
	case <-t.closed:
		return errTransportClosed
	default:
	}
	select {
	case t.outbound <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close(reason CloseReason) error {
	t.closeOnce.Do(func() {
		t.reason.Store(reason)
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) send(body string) {
	t.inbound <- []byte(`{"body":"` + body + `"}`)
}

func (t *fakeTransport) sendRaw(payload string) {
	t.inbound <- []byte(payload)
}

func (t *fakeTransport) next(tb testing.TB) Frame {
	tb.Helper()
	select {
	case frame := <-t.outbound:
		return frame
	case <-time.After(frameWait):
		tb.Fatalf("no frame written within %s", frameWait)
		return Frame{}
	}
}

func (t *fakeTransport) expectSilence(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case frame := <-t.outbound:
		tb.Fatalf("unexpected frame %+v", frame)
	case <-time.After(wait):
	}
}

type fakeRoster struct {
	mu    sync.Mutex
	posts map[PostID]map[Identity]RosterFact
	block bool
	err   error
	calls atomic.Int64
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{posts: make(map[PostID]map[Identity]RosterFact)}
}

func (r *fakeRoster) addPost(postID PostID, participants ...Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	facts := make(map[Identity]RosterFact, len(participants))
	for _, identity := range participants {
		facts[identity] = RosterFact{IsParticipant: true}
	}
	r.posts[postID] = facts
}

func (r *fakeRoster) revoke(postID PostID, identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.posts[postID][identity] = RosterFact{HasLeft: true}
}

func (r *fakeRoster) Lookup(ctx context.Context, postID PostID, identity Identity) (RosterFact, error) {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		return RosterFact{}, ctx.Err()
	}
	if r.err != nil {
		return RosterFact{}, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	facts, ok := r.posts[postID]
	if !ok {
		return RosterFact{}, ErrUnknownPost
	}
	return facts[identity], nil
}

type flakyStore struct {
	*MemoryStore
	failAppend  atomic.Bool
	blockAppend atomic.Bool
	failLatest  atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore(MemoryStoreConfig{})}
}

func (s *flakyStore) Append(ctx context.Context, postID PostID, sender Identity, body string) (Message, error) {
	if s.failAppend.Load() {
		return Message{}, errStoreUnavailable
	}
	if s.blockAppend.Load() {
		<-ctx.Done()
		return Message{}, ctx.Err()
	}
	return s.MemoryStore.Append(ctx, postID, sender, body)
}

func (s *flakyStore) LatestSequence(ctx context.Context, postID PostID) (uint64, error) {
	if s.failLatest.Load() {
		return 0, errStoreUnavailable
	}
	return s.MemoryStore.LatestSequence(ctx, postID)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Observe(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(eventType EventType, identity Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, event := range r.events {
		if event.Type == eventType && event.Identity == identity {
			total++
		}
	}
	return total
}

func newTestRegistry(t *testing.T, store MessageStore, observer Observer) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{
		Store:       store,
		GracePeriod: -1,
		Observer:    observer,
	})
	require.NoError(t, err)
	return registry
}

func newTestAdapter(t *testing.T, postID PostID, identity Identity, queueSize int) (*Adapter, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	adapter, err := NewAdapter(AdapterConfig{
		Identity:  identity,
		PostID:    postID,
		Transport: transport,
		QueueSize: queueSize,
	})
	require.NoError(t, err)
	return adapter, transport
}

// nextQueued pops a frame straight from the adapter queue, for adapters that are not running.
func nextQueued(tb testing.TB, adapter *Adapter) Frame {
	tb.Helper()
	select {
	case frame := <-adapter.queue:
		return frame
	case <-time.After(frameWait):
		tb.Fatalf("no frame queued within %s", frameWait)
		return Frame{}
	}
}

func queuedSequences(adapter *Adapter) []uint64 {
	var sequences []uint64
	for {
		select {
		case frame := <-adapter.queue:
			if frame.Type == FrameMessage {
				sequences = append(sequences, frame.Message.Sequence)
			}
		default:
			return sequences
		}
	}
}
