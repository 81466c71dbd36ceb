package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/nolzago/chat/backend/internal/chat"
	"github.com/nolzago/chat/backend/internal/summary"
)

func seedMessages(t *testing.T, fixture *testFixture, sender chat.Identity, bodies ...string) {
	t.Helper()
	for _, body := range bodies {
		if _, err := fixture.store.Append(context.Background(), testPostID, sender, body); err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}
}

func TestMessagesBacklogAdvancesReadCursor(t *testing.T) {
	fixture := newTestFixture(t)
	seedMessages(t, fixture, testOwner, "bring blankets", "meet at noon", "gate B")

	recorder := fixture.do(t, testGuest, http.MethodGet, chatPath(testPostID, "/unread"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected unread status %d", recorder.Code)
	}
	var unread struct {
		UnreadCount int64 `json:"unread_count"`
	}
	decodeBody(t, recorder, &unread)
	if unread.UnreadCount != 3 {
		t.Fatalf("expected 3 unread, got %d", unread.UnreadCount)
	}

	recorder = fixture.do(t, testGuest, http.MethodGet, chatPath(testPostID, "/messages?after=1&limit=1"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected messages status %d: %s", recorder.Code, recorder.Body.String())
	}
	var page messagesResponse
	decodeBody(t, recorder, &page)
	if len(page.Messages) != 1 || page.Messages[0].Sequence != 2 || page.Messages[0].Body != "meet at noon" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Cursor != 2 || page.Messages[0].Sender != testOwner.String() {
		t.Fatalf("unexpected cursor or sender: %+v", page)
	}

	recorder = fixture.do(t, testGuest, http.MethodGet, chatPath(testPostID, "/unread"), "")
	decodeBody(t, recorder, &unread)
	if unread.UnreadCount != 1 {
		t.Fatalf("expected 1 unread after paging, got %d", unread.UnreadCount)
	}

	recorder = fixture.do(t, testOwner, http.MethodGet, chatPath(testPostID, "/unread"), "")
	decodeBody(t, recorder, &unread)
	if unread.UnreadCount != 0 {
		t.Fatalf("own messages must not count as unread, got %d", unread.UnreadCount)
	}
}

func TestMessagesRejectsMalformedQuery(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := fixture.do(t, testGuest, http.MethodGet, chatPath(testPostID, "/messages?after=-4"), "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestMarkRead(t *testing.T) {
	fixture := newTestFixture(t)
	seedMessages(t, fixture, testOwner, "one", "two")

	recorder := fixture.do(t, testGuest, http.MethodPost, chatPath(testPostID, "/read"), `{"sequence":2}`)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}
	lastRead, err := fixture.store.LastRead(context.Background(), testPostID, testGuest)
	if err != nil || lastRead != 2 {
		t.Fatalf("expected read cursor 2, got %d (%v)", lastRead, err)
	}

	for _, body := range []string{`{}`, `{"sequence":0}`, `not json`} {
		recorder = fixture.do(t, testGuest, http.MethodPost, chatPath(testPostID, "/read"), body)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, recorder.Code)
		}
	}
}

func TestSummaryWithoutSummarizerIsPending(t *testing.T) {
	fixture := newTestFixture(t)
	seedMessages(t, fixture, testGuest, "what should I bring?")

	recorder := fixture.do(t, testOwner, http.MethodGet, chatPath(testPostID, "/summary?question=who+is+coming"), "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var result summary.Result
	decodeBody(t, recorder, &result)
	if result.Summary != summary.PendingText || result.PostID != testPostID.String() {
		t.Fatalf("unexpected summary: %+v", result)
	}
}

func TestChatRoutesMapAdmissionErrors(t *testing.T) {
	fixture := newTestFixture(t)
	if err := fixture.directory.Join(context.Background(), testPostID, "carol"); err != nil {
		t.Fatalf("failed to join: %v", err)
	}
	if err := fixture.directory.Leave(context.Background(), testPostID, "carol"); err != nil {
		t.Fatalf("failed to leave: %v", err)
	}

	testCases := []struct {
		name     string
		identity chat.Identity
		postID   chat.PostID
		status   int
		kind     chat.Kind
	}{
		{name: "unknown post", identity: testGuest, postID: "post-missing", status: http.StatusNotFound, kind: chat.KindPostNotFound},
		{name: "outsider", identity: testOutsider, postID: testPostID, status: http.StatusForbidden, kind: chat.KindNotAParticipant},
		{name: "departed participant", identity: "carol", postID: testPostID, status: http.StatusForbidden, kind: chat.KindNotAParticipant},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for _, path := range []string{"/messages", "/unread", "/summary"} {
				recorder := fixture.do(t, testCase.identity, http.MethodGet, chatPath(testCase.postID, path), "")
				if recorder.Code != testCase.status {
					t.Fatalf("%s: expected %d, got %d", path, testCase.status, recorder.Code)
				}
				var body struct {
					Error chat.Kind `json:"error"`
				}
				decodeBody(t, recorder, &body)
				if body.Error != testCase.kind {
					t.Fatalf("%s: expected %s, got %s", path, testCase.kind, body.Error)
				}
			}
		})
	}
}

func TestStatusForKind(t *testing.T) {
	expected := map[chat.Kind]int{
		chat.KindUnauthenticated:    http.StatusUnauthorized,
		chat.KindPostNotFound:       http.StatusNotFound,
		chat.KindNotAParticipant:    http.StatusForbidden,
		chat.KindAdmissionTimeout:   http.StatusGatewayTimeout,
		chat.KindInvalidMessage:     http.StatusBadRequest,
		chat.KindPersistenceFailure: http.StatusServiceUnavailable,
		chat.KindRateLimited:        http.StatusTooManyRequests,
	}
	for kind, status := range expected {
		if got := statusForKind(kind); got != status {
			t.Fatalf("statusForKind(%s) = %d, want %d", kind, got, status)
		}
	}
}

func TestHealthz(t *testing.T) {
	fixture := newTestFixture(t)
	recorder := fixture.do(t, "", http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}
