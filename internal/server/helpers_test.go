package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nolzago/chat/backend/internal/auth"
	"github.com/nolzago/chat/backend/internal/chat"
	"github.com/nolzago/chat/backend/internal/database"
	"github.com/nolzago/chat/backend/internal/messages"
	"github.com/nolzago/chat/backend/internal/roster"
	"github.com/nolzago/chat/backend/internal/summary"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "chat-test-secret"
	testIssuer        = "nolzago-chat-test"
	testCookieName    = "nolzago_session"
	testPostID        = chat.PostID("post-picnic")
	testOwner         = chat.Identity("alice")
	testGuest         = chat.Identity("bob")
	testOutsider      = chat.Identity("mallory")
)

type testFixture struct {
	server    *httptest.Server
	handler   http.Handler
	directory *roster.Directory
	store     *messages.Store
	registry  *chat.Registry
	issuer    *auth.TokenIssuer
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	directory, err := roster.NewDirectory(roster.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build directory: %v", err)
	}
	store, err := messages.NewStore(messages.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	gate, err := chat.NewGate(chat.GateConfig{Roster: directory, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}
	registry, err := chat.NewRegistry(chat.RegistryConfig{Store: store, GracePeriod: -1})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	summaries, err := summary.NewService(summary.ServiceConfig{History: store})
	if err != nil {
		t.Fatalf("failed to build summary service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Gate:             gate,
		Registry:         registry,
		History:          store,
		Summaries:        summaries,
		Connection:       ConnectionSettings{QueueSize: 16, WriteTimeout: time.Second},
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	ctx := context.Background()
	if err := directory.CreatePost(ctx, testPostID, testOwner, "Sunday picnic"); err != nil {
		t.Fatalf("failed to create post: %v", err)
	}
	if err := directory.Join(ctx, testPostID, testGuest); err != nil {
		t.Fatalf("failed to join post: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		registry.Shutdown()
		server.Close()
	})

	return &testFixture{
		server:    server,
		handler:   handler,
		directory: directory,
		store:     store,
		registry:  registry,
		issuer:    issuer,
	}
}

func (f *testFixture) token(t *testing.T, identity chat.Identity) string {
	t.Helper()
	token, _, err := f.issuer.IssueSessionToken(identity.String(), "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *testFixture) do(t *testing.T, identity chat.Identity, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if identity != "" {
		request.Header.Set("Authorization", "Bearer "+f.token(t, identity))
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func chatPath(postID chat.PostID, suffix string) string {
	return "/posts/" + postID.String() + "/chat" + suffix
}
