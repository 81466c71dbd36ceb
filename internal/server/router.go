package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nolzago/chat/backend/internal/auth"
	"github.com/nolzago/chat/backend/internal/chat"
	"github.com/nolzago/chat/backend/internal/summary"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	identityContextKey = "nolzago_identity"
	websocketRoute     = "/posts/{post_id}/chat/ws"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingGate             = errors.New("admission gate dependency required")
	errMissingRegistry         = errors.New("room registry dependency required")
	errMissingHistory          = errors.New("message history dependency required")
	errMissingSummaries        = errors.New("summary service dependency required")
	errInvalidOrigin           = errors.New("allowed origin must be a full origin such as https://example.com")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// MessageHistory is the durable side of the chat used by the REST routes.
type MessageHistory interface {
	ReadSince(ctx context.Context, postID chat.PostID, afterSequence uint64, limit int) ([]chat.Message, error)
	MarkRead(ctx context.Context, postID chat.PostID, userID chat.Identity, sequence uint64) error
	UnreadCount(ctx context.Context, postID chat.PostID, userID chat.Identity) (int64, error)
}

// ConnectionSettings tunes every websocket adapter the server creates.
type ConnectionSettings struct {
	QueueSize     int
	WriteTimeout  time.Duration
	MaxBodyLength int
	RatePerSecond float64
	RateBurst     int
}

type Dependencies struct {
	SessionValidator SessionValidator
	Gate             *chat.Gate
	Registry         *chat.Registry
	History          MessageHistory
	Summaries        *summary.Service
	Connection       ConnectionSettings
	// AllowedOrigins are full origins such as https://meetups.example.com that
	// may make credentialed cross-origin requests and open websockets.
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Summaries == nil {
		return nil, errMissingSummaries
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	originPatterns, err := websocketOriginPatterns(deps.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:       deps.SessionValidator,
		gate:           deps.Gate,
		registry:       deps.Registry,
		history:        deps.History,
		summaries:      deps.Summaries,
		connection:     deps.Connection,
		originPatterns: originPatterns,
		logger:         logger,
	}

	router.GET("/healthz", handler.handleHealth)

	posts := router.Group("/posts/:post_id/chat")
	posts.Use(handler.authorizeRequest)
	posts.GET("/messages", handler.handleMessages)
	posts.GET("/unread", handler.handleUnread)
	posts.POST("/read", handler.handleMarkRead)
	posts.GET("/summary", handler.handleSummary)

	// the websocket upgrade hijacks the raw connection, which gin's wrapped
	// writer refuses once the 101 status is flushed
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+websocketRoute, handler.serveWebsocket)
	mux.Handle("/", router)

	return mux, nil
}

// corsMiddleware lets every origin read anonymously unless origins are listed;
// only listed origins may send credentials.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

// websocketOriginPatterns reduces full origins to the host patterns the
// websocket handshake matches against.
func websocketOriginPatterns(allowedOrigins []string) ([]string, error) {
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("%w: %q", errInvalidOrigin, origin)
		}
		patterns = append(patterns, parsed.Host)
	}
	return patterns, nil
}

type httpHandler struct {
	sessions       SessionValidator
	gate           *chat.Gate
	registry       *chat.Registry
	history        MessageHistory
	summaries      *summary.Service
	connection     ConnectionSettings
	originPatterns []string
	logger         *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.registry.RoomCount()})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.authenticate(c.Request)
	if err != nil {
		writeChatError(c, err)
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// authenticate resolves the session of r into a verified identity.
func (h *httpHandler) authenticate(r *http.Request) (chat.Identity, error) {
	claims, err := h.sessions.ValidateRequest(r)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", chat.ErrUnauthenticated
	}
	identity, err := chat.NewIdentity(claims.UserID)
	if err != nil {
		return "", chat.ErrUnauthenticated
	}
	return identity, nil
}

// admit runs the admission gate for the caller and the post in the path.
// It writes the error response itself and reports false on rejection.
func (h *httpHandler) admit(c *gin.Context) (chat.Admission, bool) {
	identity, _ := c.Get(identityContextKey)
	caller, _ := identity.(chat.Identity)

	admission, err := h.admitRequest(c.Request.Context(), caller, c.Param("post_id"))
	if err != nil {
		writeChatError(c, err)
		return chat.Admission{}, false
	}
	return admission, true
}

func (h *httpHandler) admitRequest(ctx context.Context, identity chat.Identity, rawPostID string) (chat.Admission, error) {
	postID, err := chat.NewPostID(rawPostID)
	if err != nil {
		return chat.Admission{}, chat.ErrPostNotFound
	}
	return h.gate.Admit(ctx, identity, postID)
}

type messagesResponse struct {
	PostID   string                `json:"post_id"`
	Messages []chat.MessagePayload `json:"messages"`
	Cursor   uint64                `json:"cursor"`
}

func (h *httpHandler) handleMessages(c *gin.Context) {
	admission, ok := h.admit(c)
	if !ok {
		return
	}

	after, err := parseUintQuery(c, "after")
	if err != nil {
		writeChatError(c, chat.ErrInvalidMessage)
		return
	}
	limit, err := parseUintQuery(c, "limit")
	if err != nil {
		writeChatError(c, chat.ErrInvalidMessage)
		return
	}

	ctx := c.Request.Context()
	page, err := h.history.ReadSince(ctx, admission.PostID, after, int(limit))
	if err != nil {
		h.logPersistenceFailure("chat.read_since", admission, err)
		writeChatError(c, chat.ErrPersistenceFailure)
		return
	}

	cursor := after
	if len(page) > 0 {
		cursor = page[len(page)-1].Sequence
		if err := h.history.MarkRead(ctx, admission.PostID, admission.Identity, cursor); err != nil {
			// the page is still valid; only the unread counter lags
			h.logPersistenceFailure("chat.mark_read", admission, err)
		}
	}

	c.JSON(http.StatusOK, messagesResponse{
		PostID:   admission.PostID.String(),
		Messages: lo.Map(page, func(message chat.Message, _ int) chat.MessagePayload { return chat.NewMessagePayload(message) }),
		Cursor:   cursor,
	})
}

func (h *httpHandler) handleUnread(c *gin.Context) {
	admission, ok := h.admit(c)
	if !ok {
		return
	}
	unread, err := h.history.UnreadCount(c.Request.Context(), admission.PostID, admission.Identity)
	if err != nil {
		h.logPersistenceFailure("chat.unread_count", admission, err)
		writeChatError(c, chat.ErrPersistenceFailure)
		return
	}
	c.JSON(http.StatusOK, gin.H{"post_id": admission.PostID.String(), "unread_count": unread})
}

type markReadRequest struct {
	Sequence uint64 `json:"sequence" binding:"required,gte=1"`
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	admission, ok := h.admit(c)
	if !ok {
		return
	}
	var request markReadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeChatError(c, chat.ErrInvalidMessage)
		return
	}
	if err := h.history.MarkRead(c.Request.Context(), admission.PostID, admission.Identity, request.Sequence); err != nil {
		h.logPersistenceFailure("chat.mark_read", admission, err)
		writeChatError(c, chat.ErrPersistenceFailure)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSummary(c *gin.Context) {
	admission, ok := h.admit(c)
	if !ok {
		return
	}
	result, err := h.summaries.Summarize(c.Request.Context(), admission.PostID, c.Query("question"))
	if err != nil {
		h.logPersistenceFailure("chat.summary", admission, err)
		writeChatError(c, chat.ErrPersistenceFailure)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) logPersistenceFailure(operation string, admission chat.Admission, err error) {
	h.logger.Error("chat persistence failure",
		zap.String("operation", operation),
		zap.String("reason", string(chat.KindPersistenceFailure)),
		zap.String("post_id", admission.PostID.String()),
		zap.String("identity", admission.Identity.String()),
		zap.Error(err))
}

func writeChatError(c *gin.Context, err error) {
	kind := errorKind(err)
	c.AbortWithStatusJSON(statusForKind(kind), gin.H{"error": string(kind)})
}

func errorKind(err error) chat.Kind {
	if kind := chat.KindOf(err); kind != "" {
		return kind
	}
	return chat.KindPersistenceFailure
}

func statusForKind(kind chat.Kind) int {
	switch kind {
	case chat.KindUnauthenticated:
		return http.StatusUnauthorized
	case chat.KindPostNotFound:
		return http.StatusNotFound
	case chat.KindNotAParticipant:
		return http.StatusForbidden
	case chat.KindAdmissionTimeout:
		return http.StatusGatewayTimeout
	case chat.KindInvalidMessage:
		return http.StatusBadRequest
	case chat.KindNotConnected:
		return http.StatusConflict
	case chat.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func parseUintQuery(c *gin.Context, name string) (uint64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
