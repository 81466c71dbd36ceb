package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 10 * time.Second
)

var (
	errMissingTransport  = errors.New("chat: transport is required")
	errAdapterNotJoined  = errors.New("chat: adapter has not joined a room")
	errAdapterNotPending = errors.New("chat: adapter is no longer connecting")
)

// State is the lifecycle position of an Adapter.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason explains why a connection left its room.
type CloseReason string

const (
	CloseReasonPeerClosed   CloseReason = "peer_closed"
	CloseReasonReplaced     CloseReason = "replaced"
	CloseReasonSlowConsumer CloseReason = "slow_consumer"
	CloseReasonRemoved      CloseReason = "removed"
	CloseReasonTransport    CloseReason = "transport_error"
	CloseReasonShutdown     CloseReason = "shutdown"
)

// FrameType tags outbound frames.
type FrameType string

const (
	FrameAdmitted FrameType = "admitted"
	FrameMessage  FrameType = "message"
	FrameError    FrameType = "error"
)

// MessagePayload is the wire shape of a delivered message.
type MessagePayload struct {
	Sequence  uint64    `json:"sequence"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessagePayload converts a stored message into its wire shape.
func NewMessagePayload(message Message) MessagePayload {
	return MessagePayload{
		Sequence:  message.Sequence,
		Sender:    message.Sender.String(),
		Body:      message.Body,
		CreatedAt: message.CreatedAt,
	}
}

// Frame is one outbound unit written to a transport.
type Frame struct {
	Type        FrameType       `json:"type"`
	Cursor      *uint64         `json:"cursor,omitempty"`
	MemberCount int             `json:"member_count,omitempty"`
	Message     *MessagePayload `json:"message,omitempty"`
	Error       Kind            `json:"error,omitempty"`
}

func admittedFrame(result JoinResult) Frame {
	cursor := result.Cursor
	return Frame{Type: FrameAdmitted, Cursor: &cursor, MemberCount: result.MemberCount}
}

func messageFrame(message Message) Frame {
	payload := NewMessagePayload(message)
	return Frame{Type: FrameMessage, Message: &payload}
}

func errorFrame(kind Kind) Frame {
	return Frame{Type: FrameError, Error: kind}
}

// Transport is the duplex connection an Adapter bridges to its room.
// Read and Write are called from different goroutines; Close may be called
// concurrently with both and must unblock them.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame Frame) error
	Close(reason CloseReason) error
}

// AdapterConfig configures a single live connection.
type AdapterConfig struct {
	Identity      Identity
	PostID        PostID
	Transport     Transport
	QueueSize     int
	WriteTimeout  time.Duration
	MaxBodyLength int
	RatePerSecond float64
	RateBurst     int
	Logger        *zap.Logger
}

// Adapter owns one connected identity's send queue and receive loop.
// The queue is never closed; done signals shutdown to both loops.
type Adapter struct {
	identity      Identity
	postID        PostID
	transport     Transport
	queue         chan Frame
	state         atomic.Int32
	done          chan struct{}
	closeOnce     sync.Once
	reason        CloseReason
	room          atomic.Pointer[Room]
	detachOnce    sync.Once
	limiter       *rate.Limiter
	maxBodyLength int
	writeTimeout  time.Duration
	logger        *zap.Logger
}

// NewAdapter constructs an Adapter in the Connecting state.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Identity == "" {
		return nil, ErrInvalidIdentity
	}
	if cfg.PostID == "" {
		return nil, ErrInvalidPostID
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	maxBodyLength := cfg.MaxBodyLength
	if maxBodyLength <= 0 {
		maxBodyLength = DefaultMaxBodyLength
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		identity:      cfg.Identity,
		postID:        cfg.PostID,
		transport:     cfg.Transport,
		queue:         make(chan Frame, queueSize),
		done:          make(chan struct{}),
		limiter:       rate.NewLimiter(limit, burst),
		maxBodyLength: maxBodyLength,
		writeTimeout:  writeTimeout,
		logger: logger.With(
			zap.String("post_id", cfg.PostID.String()),
			zap.String("identity", cfg.Identity.String()),
		),
	}, nil
}

// Identity returns the connected identity.
func (a *Adapter) Identity() Identity {
	return a.identity
}

// PostID returns the post whose room this adapter belongs to.
func (a *Adapter) PostID() PostID {
	return a.postID
}

// State reports the current lifecycle state.
func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Done is closed once the adapter starts closing.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Close moves the adapter to Closing. It is idempotent; the first reason wins.
func (a *Adapter) Close(reason CloseReason) {
	a.closeOnce.Do(func() {
		a.reason = reason
		for {
			current := a.state.Load()
			if current >= int32(StateClosing) {
				break
			}
			if a.state.CompareAndSwap(current, int32(StateClosing)) {
				break
			}
		}
		close(a.done)
	})
}

// CloseReason returns the reason passed to the first Close call.
// It is only meaningful once Done is closed.
func (a *Adapter) CloseReason() CloseReason {
	select {
	case <-a.done:
		return a.reason
	default:
		return ""
	}
}

// Run drives the inbound and outbound flows until the connection ends,
// then detaches from the room exactly once. The adapter must have joined a room.
func (a *Adapter) Run(ctx context.Context) error {
	room := a.room.Load()
	if room == nil {
		return errAdapterNotJoined
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var flows sync.WaitGroup
	flows.Add(2)
	go func() {
		defer flows.Done()
		a.writeLoop(runCtx)
	}()
	go func() {
		defer flows.Done()
		a.readLoop(runCtx, room)
	}()

	select {
	case <-a.done:
	case <-ctx.Done():
		a.Close(CloseReasonShutdown)
	}

	closeErr := a.transport.Close(a.reason)
	cancel()
	flows.Wait()
	a.detach()
	a.state.Store(int32(StateClosed))

	a.logger.Debug("chat connection closed", zap.String("reason", string(a.reason)))
	return closeErr
}

func (a *Adapter) activate(room *Room) error {
	if !a.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return errAdapterNotPending
	}
	a.room.Store(room)
	return nil
}

func (a *Adapter) detach() {
	a.detachOnce.Do(func() {
		if room := a.room.Load(); room != nil {
			room.detach(a)
		}
	})
}

// enqueue never blocks; false means the queue is full or the adapter is closing.
func (a *Adapter) enqueue(frame Frame) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.queue <- frame:
		return true
	default:
		return false
	}
}

func (a *Adapter) reply(frame Frame) bool {
	if a.enqueue(frame) {
		return true
	}
	a.Close(CloseReasonSlowConsumer)
	return false
}

func (a *Adapter) readLoop(ctx context.Context, room *Room) {
	for {
		payload, err := a.transport.Read(ctx)
		if err != nil {
			// a cancelled run is closed by Run with its own reason
			if ctx.Err() == nil {
				a.Close(CloseReasonPeerClosed)
			}
			return
		}
		if err := a.handleInbound(ctx, room, payload); err != nil {
			kind := KindOf(err)
			if kind == "" {
				kind = KindPersistenceFailure
			}
			if !a.reply(errorFrame(kind)) {
				return
			}
		}
	}
}

type inboundPayload struct {
	Body string `json:"body"`
}

func (a *Adapter) handleInbound(ctx context.Context, room *Room, payload []byte) error {
	if !a.limiter.Allow() {
		return newError(opInbound, KindRateLimited, nil)
	}
	var inbound inboundPayload
	if err := json.Unmarshal(payload, &inbound); err != nil {
		return newError(opInbound, KindInvalidMessage, err)
	}
	body := strings.TrimSpace(inbound.Body)
	if err := ValidateBody(body, a.maxBodyLength); err != nil {
		return err
	}
	_, err := room.publishFrom(ctx, a, body)
	return err
}

func (a *Adapter) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case frame := <-a.queue:
			writeCtx, cancel := context.WithTimeout(ctx, a.writeTimeout)
			err := a.transport.Write(writeCtx, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Debug("chat frame write failed", zap.Error(err))
					a.Close(CloseReasonTransport)
				}
				return
			}
		}
	}
}
