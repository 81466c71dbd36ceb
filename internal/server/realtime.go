package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/nolzago/chat/backend/internal/chat"
	"go.uber.org/zap"
)

// Application close codes sent to clients that are disconnected by the room.
const (
	StatusReplaced     websocket.StatusCode = 4001
	StatusSlowConsumer websocket.StatusCode = 4002
	StatusRemoved      websocket.StatusCode = 4003
)

// inbound frames carry a JSON envelope around the body, so the byte limit
// leaves room for four-byte runes plus framing.
const readLimitOverhead = 1024

type websocketTransport struct {
	conn *websocket.Conn
}

func newWebsocketTransport(conn *websocket.Conn) *websocketTransport {
	return &websocketTransport{conn: conn}
}

func (t *websocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := t.conn.Read(ctx)
	return payload, err
}

func (t *websocketTransport) Write(ctx context.Context, frame chat.Frame) error {
	return wsjson.Write(ctx, t.conn, frame)
}

func (t *websocketTransport) Close(reason chat.CloseReason) error {
	code, ok := closeStatus(reason)
	if !ok {
		return t.conn.CloseNow()
	}
	return t.conn.Close(code, string(reason))
}

// closeStatus maps a room close reason to a websocket status code. Transport
// failures report false: the connection is dropped without a handshake.
func closeStatus(reason chat.CloseReason) (websocket.StatusCode, bool) {
	switch reason {
	case chat.CloseReasonPeerClosed:
		return websocket.StatusNormalClosure, true
	case chat.CloseReasonShutdown:
		return websocket.StatusGoingAway, true
	case chat.CloseReasonReplaced:
		return StatusReplaced, true
	case chat.CloseReasonSlowConsumer:
		return StatusSlowConsumer, true
	case chat.CloseReasonRemoved:
		return StatusRemoved, true
	default:
		return 0, false
	}
}

// serveWebsocket admits the caller, upgrades the connection and runs its
// adapter until the connection ends. It is served outside gin because the
// upgrade must hijack the unwrapped connection.
func (h *httpHandler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	// admission failures are plain HTTP errors; nothing is upgraded
	admission, err := h.admitRequest(r.Context(), identity, r.PathValue("post_id"))
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("post_id", admission.PostID.String()),
			zap.Error(err))
		return
	}

	maxBody := h.connection.MaxBodyLength
	if maxBody <= 0 {
		maxBody = chat.DefaultMaxBodyLength
	}
	conn.SetReadLimit(int64(maxBody*4 + readLimitOverhead))

	adapter, err := chat.NewAdapter(chat.AdapterConfig{
		Identity:      admission.Identity,
		PostID:        admission.PostID,
		Transport:     newWebsocketTransport(conn),
		QueueSize:     h.connection.QueueSize,
		WriteTimeout:  h.connection.WriteTimeout,
		MaxBodyLength: maxBody,
		RatePerSecond: h.connection.RatePerSecond,
		RateBurst:     h.connection.RateBurst,
		Logger:        h.logger,
	})
	if err != nil {
		h.logger.Error("chat adapter construction failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "adapter unavailable")
		return
	}

	ctx := r.Context()
	_, result, err := h.registry.Join(ctx, admission, adapter)
	if err != nil {
		kind := chat.KindOf(err)
		h.logger.Warn("chat join failed",
			zap.String("post_id", admission.PostID.String()),
			zap.String("identity", admission.Identity.String()),
			zap.String("reason", string(kind)),
			zap.Error(err))
		_ = conn.Close(websocket.StatusTryAgainLater, string(chat.KindPersistenceFailure))
		return
	}

	h.logger.Debug("chat connection admitted",
		zap.String("post_id", admission.PostID.String()),
		zap.String("identity", admission.Identity.String()),
		zap.Uint64("cursor", result.Cursor),
		zap.Int("member_count", result.MemberCount))

	if err := adapter.Run(ctx); err != nil {
		h.logger.Debug("chat connection close handshake failed",
			zap.String("reason", string(adapter.CloseReason())),
			zap.Error(err))
	}
}

func writeHTTPError(w http.ResponseWriter, err error) {
	kind := errorKind(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusForKind(kind))
	_ = render.JSON{Data: gin.H{"error": string(kind)}}.Render(w)
}

var _ chat.Transport = (*websocketTransport)(nil)
