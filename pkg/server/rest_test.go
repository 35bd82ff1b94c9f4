package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/finnweber/chime/pkg/model"
)

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func registerUser(t *testing.T, h http.Handler, username, password string) loginResponse {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/register", "", registerRequest{
		Username: username,
		Password: password,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", username, rec.Code, rec.Body.String())
	}
	var resp loginResponse
	decodeInto(t, rec, &resp)
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	created := registerUser(t, h, "alice", "correct-horse")
	if created.Token == "" || created.User.Username != "alice" {
		t.Fatalf("register response = %+v", created)
	}
	if created.User.DisplayName != "alice" {
		t.Errorf("display name did not default to username")
	}

	rec := doJSON(t, h, http.MethodPost, "/api/login", "", loginRequest{
		Username: "alice", Password: "correct-horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", rec.Code, rec.Body.String())
	}
	var logged loginResponse
	decodeInto(t, rec, &logged)
	if logged.Token == "" || logged.User.ID != created.User.ID {
		t.Fatalf("login response = %+v", logged)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/login", "", loginRequest{
		Username: "alice", Password: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d, want 401", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/register", "", registerRequest{
		Username: "bad name!", Password: "long-enough",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid username: status %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/register", "", registerRequest{
		Username: "alice", Password: "short",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short password: status %d, want 400", rec.Code)
	}

	registerUser(t, h, "alice", "correct-horse")
	rec = doJSON(t, h, http.MethodPost, "/api/register", "", registerRequest{
		Username: "alice", Password: "correct-horse",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate username: status %d, want 409", rec.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	alice := registerUser(t, h, "alice", "correct-horse")

	rec := doJSON(t, h, http.MethodPost, "/api/logout", alice.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: status %d, want 204", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/messages/someone", alice.Token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token still accepted: status %d", rec.Code)
	}
}

func TestMessageHistoryMarksRead(t *testing.T) {
	srv, st, _ := newTestServer(t)
	h := srv.Handler()
	alice := registerUser(t, h, "alice", "correct-horse")
	bob := registerUser(t, h, "bob", "correct-horse")

	rec := doJSON(t, h, http.MethodPost, "/api/messages", bob.Token, map[string]any{
		"receiver_id": alice.User.ID,
		"content":     "hello alice",
		"type":        "text",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post message: status %d: %s", rec.Code, rec.Body.String())
	}

	unread, err := st.CountUnread(alice.User.ID, bob.User.ID)
	if err != nil || unread != 1 {
		t.Fatalf("unread before fetch = %d (%v), want 1", unread, err)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/messages/"+bob.User.ID, alice.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get messages: status %d", rec.Code)
	}
	var resp messagesResponse
	decodeInto(t, rec, &resp)
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "hello alice" {
		t.Fatalf("messages = %+v", resp.Messages)
	}
	if resp.MarkedRead != 1 {
		t.Errorf("marked read = %d, want 1", resp.MarkedRead)
	}

	unread, err = st.CountUnread(alice.User.ID, bob.User.ID)
	if err != nil || unread != 0 {
		t.Fatalf("unread after fetch = %d (%v), want 0", unread, err)
	}
}

func TestMessageHistoryPagination(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	alice := registerUser(t, h, "alice", "correct-horse")
	bob := registerUser(t, h, "bob", "correct-horse")

	for i := 0; i < 5; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/messages", alice.Token, map[string]any{
			"receiver_id": bob.User.ID,
			"content":     "msg",
			"type":        "text",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("post message %d: status %d", i, rec.Code)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/api/messages/"+alice.User.ID+"?page_size=2&offset=0", bob.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("paginated fetch: status %d", rec.Code)
	}
	var resp messagesResponse
	decodeInto(t, rec, &resp)
	if len(resp.Messages) != 2 {
		t.Fatalf("page of 2 returned %d messages", len(resp.Messages))
	}

	rec = doJSON(t, h, http.MethodGet, "/api/messages/"+alice.User.ID+"?page_size=nope", bob.Token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad page_size: status %d, want 400", rec.Code)
	}
}

func TestDeleteConversation(t *testing.T) {
	srv, st, _ := newTestServer(t)
	h := srv.Handler()
	alice := registerUser(t, h, "alice", "correct-horse")
	bob := registerUser(t, h, "bob", "correct-horse")

	doJSON(t, h, http.MethodPost, "/api/messages", alice.Token, map[string]any{
		"receiver_id": bob.User.ID, "content": "one", "type": "text",
	})
	doJSON(t, h, http.MethodPost, "/api/messages", bob.Token, map[string]any{
		"receiver_id": alice.User.ID, "content": "two", "type": "text",
	})

	rec := doJSON(t, h, http.MethodDelete, "/api/messages/"+bob.User.ID, alice.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete conversation: status %d", rec.Code)
	}

	stored, err := st.ListMessagesBetween(alice.User.ID, bob.User.ID, model.MessageFilters{})
	if err != nil || len(stored) != 0 {
		t.Fatalf("messages after purge = %d (%v), want 0", len(stored), err)
	}
}

func TestPushSubscribeLifecycle(t *testing.T) {
	srv, st, _ := newTestServer(t)
	h := srv.Handler()
	alice := registerUser(t, h, "alice", "correct-horse")

	rec := doJSON(t, h, http.MethodPost, "/api/push/subscribe", alice.Token, pushSubscribeRequest{Token: "device-1"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("subscribe: status %d", rec.Code)
	}
	dest, err := st.GetPushDestination(alice.User.ID)
	if err != nil || dest == nil || dest.Token != "device-1" {
		t.Fatalf("destination after subscribe = %+v (%v)", dest, err)
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/push/subscribe", alice.Token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe: status %d", rec.Code)
	}
	dest, err = st.GetPushDestination(alice.User.ID)
	if err != nil || dest != nil {
		t.Fatalf("destination after unsubscribe = %+v (%v)", dest, err)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/api/messages/someone", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated fetch: status %d, want 401", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/messages/someone", "garbage-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d, want 401", rec.Code)
	}
}
