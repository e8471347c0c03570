package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/database/mock"
	"github.com/kozaktomas/member-check/internal/logging"
)

func testOperator() *database.Operator {
	return &database.Operator{ID: "op-1", OrganizationID: "org-1", Email: "desk@example.com"}
}

func newTestManager(t *testing.T, store database.SessionStore) *SessionManager {
	t.Helper()
	sm := NewSessionManager("test-secret", store)
	t.Cleanup(sm.Stop)
	return sm
}

func TestNewSessionManager(t *testing.T) {
	sm := newTestManager(t, nil)
	if sm.sessions == nil {
		t.Error("sessions map is nil")
	}
}

func TestSessionManager_CreateSession(t *testing.T) {
	sm := newTestManager(t, nil)

	session, err := sm.CreateSession(context.Background(), testOperator())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if session.ID == "" {
		t.Error("session ID is empty")
	}
	if session.OperatorID != "op-1" || session.OrganizationID != "org-1" {
		t.Errorf("session = %+v", session)
	}
	if session.ExpiresAt.Before(time.Now()) {
		t.Error("session expires in the past")
	}
}

func TestSessionManager_GetSession(t *testing.T) {
	sm := newTestManager(t, nil)
	ctx := context.Background()

	session, _ := sm.CreateSession(ctx, testOperator())

	retrieved := sm.GetSession(ctx, session.ID)
	if retrieved == nil {
		t.Fatal("GetSession() returned nil for existing session")
	}
	if retrieved.Email != "desk@example.com" {
		t.Errorf("Email = %s", retrieved.Email)
	}

	if sm.GetSession(ctx, "nonexistent-id") != nil {
		t.Error("GetSession() should return nil for non-existing session")
	}
}

func TestSessionManager_ExpiredSession(t *testing.T) {
	sm := newTestManager(t, nil)
	ctx := context.Background()

	session, _ := sm.CreateSession(ctx, testOperator())
	session.ExpiresAt = time.Now().Add(-time.Minute)

	if sm.GetSession(ctx, session.ID) != nil {
		t.Error("expired session should not be returned")
	}
	sm.mu.RLock()
	_, stillThere := sm.sessions[session.ID]
	sm.mu.RUnlock()
	if stillThere {
		t.Error("expired session should be removed")
	}
}

func TestSessionManager_DeleteSession(t *testing.T) {
	sm := newTestManager(t, nil)
	ctx := context.Background()

	session, _ := sm.CreateSession(ctx, testOperator())
	sm.DeleteSession(ctx, session.ID)

	if sm.GetSession(ctx, session.ID) != nil {
		t.Error("GetSession() should return nil after deletion")
	}
}

func TestSessionManager_PersistentStore(t *testing.T) {
	store := mock.NewMockSessionStore()
	ctx := context.Background()

	first := newTestManager(t, store)
	session, err := first.CreateSession(ctx, testOperator())
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	// A new manager, as after a restart, resolves the session from the store.
	second := newTestManager(t, store)
	retrieved := second.GetSession(ctx, session.ID)
	if retrieved == nil || retrieved.OperatorID != "op-1" {
		t.Fatalf("GetSession() = %+v", retrieved)
	}

	second.DeleteSession(ctx, session.ID)
	if got, _ := store.Get(ctx, session.ID); got != nil {
		t.Error("session should be removed from the store")
	}
}

func TestSessionManager_StoreSaveError(t *testing.T) {
	store := mock.NewMockSessionStore()
	store.SaveError = context.DeadlineExceeded
	sm := newTestManager(t, store)

	if _, err := sm.CreateSession(context.Background(), testOperator()); err == nil {
		t.Error("expected error when the store fails")
	}
}

func TestSessionManager_CleanupExpired(t *testing.T) {
	store := mock.NewMockSessionStore()
	sm := newTestManager(t, store)
	ctx := context.Background()

	live, _ := sm.CreateSession(ctx, testOperator())
	dead, _ := sm.CreateSession(ctx, testOperator())
	dead.ExpiresAt = time.Now().Add(-time.Hour)
	_ = store.Save(ctx, dead)

	sm.cleanupExpired(ctx)

	sm.mu.RLock()
	_, liveOK := sm.sessions[live.ID]
	_, deadOK := sm.sessions[dead.ID]
	sm.mu.RUnlock()
	if !liveOK || deadOK {
		t.Errorf("live kept = %v, dead kept = %v", liveOK, deadOK)
	}
}

func TestSessionManager_SetAndGetSessionCookie(t *testing.T) {
	sm := newTestManager(t, nil)
	session, _ := sm.CreateSession(context.Background(), testOperator())

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	sm.SetSessionCookie(w, r, session)

	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			sessionCookie = c
			break
		}
	}
	if sessionCookie == nil {
		t.Fatal("Session cookie not found")
	}
	if sessionCookie.Secure {
		t.Error("cookie should not be Secure on plain HTTP")
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(sessionCookie)

	retrieved := sm.GetSessionFromRequest(req)
	if retrieved == nil {
		t.Fatal("GetSessionFromRequest() returned nil")
	}
	if retrieved.ID != session.ID {
		t.Errorf("Session ID = %s, want %s", retrieved.ID, session.ID)
	}
}

func TestSessionManager_SecureCookieBehindProxy(t *testing.T) {
	sm := newTestManager(t, nil)
	session, _ := sm.CreateSession(context.Background(), testOperator())

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	sm.SetSessionCookie(w, r, session)

	cookies := w.Result().Cookies()
	if len(cookies) == 0 || !cookies[0].Secure {
		t.Error("cookie should be Secure behind an HTTPS proxy")
	}
}

func TestSessionManager_InvalidCookie(t *testing.T) {
	sm := newTestManager(t, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.AddCookie(&http.Cookie{
		Name:  sessionCookieName,
		Value: "invalid-session.invalid-signature",
	})

	if sm.GetSessionFromRequest(req) != nil {
		t.Error("GetSessionFromRequest() should return nil for invalid signature")
	}
}

func TestSessionManager_BearerAuth(t *testing.T) {
	sm := newTestManager(t, nil)
	session, _ := sm.CreateSession(context.Background(), testOperator())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+session.ID)

	retrieved := sm.GetSessionFromRequest(req)
	if retrieved == nil {
		t.Fatal("GetSessionFromRequest() returned nil for Bearer auth")
	}
	if retrieved.ID != session.ID {
		t.Errorf("Session ID = %s, want %s", retrieved.ID, session.ID)
	}
}

func TestRequireAuth(t *testing.T) {
	sm := newTestManager(t, nil)
	session, _ := sm.CreateSession(context.Background(), testOperator())

	handlerCalled := false
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		if GetSessionFromContext(r.Context()) == nil {
			t.Error("Session not found in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	protectedHandler := RequireAuth(sm)(testHandler)

	t.Run("valid session", func(t *testing.T) {
		handlerCalled = false
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/protected", nil)
		req.Header.Set("Authorization", "Bearer "+session.ID)

		protectedHandler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
		}
		if !handlerCalled {
			t.Error("Handler was not called")
		}
	})

	t.Run("no session", func(t *testing.T) {
		handlerCalled = false
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/protected", nil)

		protectedHandler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if handlerCalled {
			t.Error("Handler should not be called for unauthorized request")
		}
	})
}

func TestGetSessionFromContext(t *testing.T) {
	session := &database.Session{ID: "test123", OperatorID: "op-1"}
	ctx := SetSessionInContext(context.Background(), session)

	retrieved := GetSessionFromContext(ctx)
	if retrieved == nil || retrieved.ID != "test123" {
		t.Fatalf("GetSessionFromContext() = %+v", retrieved)
	}

	if GetSessionFromContext(context.Background()) != nil {
		t.Error("GetSessionFromContext() should return nil for empty context")
	}
}

func TestSessionManager_ClearSessionCookie(t *testing.T) {
	sm := newTestManager(t, nil)

	w := httptest.NewRecorder()
	sm.ClearSessionCookie(w)

	var sessionCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			sessionCookie = c
			break
		}
	}
	if sessionCookie == nil {
		t.Fatal("Session cookie not found")
	}
	if sessionCookie.MaxAge != -1 {
		t.Errorf("MaxAge = %d, want -1 (expired)", sessionCookie.MaxAge)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithOutput("debug", "json", &buf)

	var fromCtx logrus.FieldLogger
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = logging.FromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", nil))

	if fromCtx == nil {
		t.Fatal("handler did not receive a logger")
	}
	out := buf.String()
	for _, want := range []string{`"status":418`, `"path":"/api/v1/health"`, `"level":"warning"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://kiosk.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		wantOrigin string
	}{
		{"allowed origin", "GET", "https://kiosk.example.com", "https://kiosk.example.com"},
		{"localhost", "GET", "http://localhost:5173", "http://localhost:5173"},
		{"localhost lookalike", "GET", "http://localhost.evil.example.com", ""},
		{"foreign origin", "GET", "https://evil.example.com", ""},
		{"preflight", "OPTIONS", "https://kiosk.example.com", "https://kiosk.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/api/v1/members", nil)
			req.Header.Set("Origin", tt.origin)
			handler.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if w.Code != http.StatusOK {
				t.Errorf("status = %d", w.Code)
			}
		})
	}
}
