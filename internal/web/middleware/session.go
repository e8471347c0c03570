package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/database"
)

const (
	sessionCookieName      = "member_check_session"
	sessionDuration        = 12 * time.Hour
	sessionCleanupInterval = 10 * time.Minute
)

// SessionManager handles session creation and validation.
// Sessions live in memory and, when a store is configured, are persisted so
// they survive restarts.
type SessionManager struct {
	secret   []byte
	sessions map[string]*database.Session
	store    database.SessionStore
	mu       sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSessionManager creates a new session manager. store may be nil.
func NewSessionManager(secret string, store database.SessionStore) *SessionManager {
	// Use a default secret if none provided (for development)
	if secret == "" {
		secret = "member-check-dev-secret-change-in-production"
	}
	sm := &SessionManager{
		secret:   []byte(secret),
		sessions: make(map[string]*database.Session),
		store:    store,
		stop:     make(chan struct{}),
	}
	go sm.cleanupLoop()
	return sm
}

// CreateSession creates a new session for an operator
func (sm *SessionManager) CreateSession(ctx context.Context, op *database.Operator) (*database.Session, error) {
	idBytes := make([]byte, 32)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &database.Session{
		ID:             base64.RawURLEncoding.EncodeToString(idBytes),
		OperatorID:     op.ID,
		OrganizationID: op.OrganizationID,
		Email:          op.Email,
		CreatedAt:      now,
		ExpiresAt:      now.Add(sessionDuration),
	}

	if sm.store != nil {
		if err := sm.store.Save(ctx, session); err != nil {
			return nil, err
		}
	}

	sm.mu.Lock()
	sm.sessions[session.ID] = session
	sm.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by ID, falling back to the store on a memory miss
func (sm *SessionManager) GetSession(ctx context.Context, sessionID string) *database.Session {
	sm.mu.RLock()
	session, ok := sm.sessions[sessionID]
	sm.mu.RUnlock()

	if !ok && sm.store != nil {
		stored, err := sm.store.Get(ctx, sessionID)
		if err != nil || stored == nil {
			return nil
		}
		session = stored
		sm.mu.Lock()
		sm.sessions[sessionID] = session
		sm.mu.Unlock()
	}
	if session == nil {
		return nil
	}

	if time.Now().After(session.ExpiresAt) {
		sm.DeleteSession(ctx, sessionID)
		return nil
	}
	return session
}

// DeleteSession removes a session
func (sm *SessionManager) DeleteSession(ctx context.Context, sessionID string) {
	sm.mu.Lock()
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if sm.store != nil {
		if err := sm.store.Delete(ctx, sessionID); err != nil {
			logrus.WithError(err).Warn("failed to delete persisted session")
		}
	}
}

// Stop ends the background cleanup goroutine.
func (sm *SessionManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stop) })
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.cleanupExpired(context.Background())
		}
	}
}

// cleanupExpired drops expired sessions from memory and the store.
func (sm *SessionManager) cleanupExpired(ctx context.Context) {
	now := time.Now()
	sm.mu.Lock()
	for id, s := range sm.sessions {
		if now.After(s.ExpiresAt) {
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	if sm.store != nil {
		if n, err := sm.store.DeleteExpired(ctx); err != nil {
			logrus.WithError(err).Warn("failed to delete expired sessions")
		} else if n > 0 {
			logrus.WithField("count", n).Debug("deleted expired sessions")
		}
	}
}

// SetSessionCookie sets the session cookie on the response
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, r *http.Request, session *database.Session) {
	signature := sm.signData(session.ID)
	cookieValue := session.ID + "." + signature

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    cookieValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionDuration.Seconds()),
	})
}

// ClearSessionCookie removes the session cookie
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// GetSessionFromRequest extracts the session from a cookie or bearer token
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) *database.Session {
	ctx := r.Context()

	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		parts := strings.SplitN(cookie.Value, ".", 2)
		if len(parts) == 2 && sm.verifySignature(parts[0], parts[1]) {
			if session := sm.GetSession(ctx, parts[0]); session != nil {
				return session
			}
		}
	}

	authHeader := r.Header.Get("Authorization")
	if sessionID, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		if session := sm.GetSession(ctx, sessionID); session != nil {
			return session
		}
	}

	return nil
}

// signData creates an HMAC signature for data
func (sm *SessionManager) signData(data string) string {
	h := hmac.New(sha256.New, sm.secret)
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// verifySignature verifies an HMAC signature
func (sm *SessionManager) verifySignature(data, signature string) bool {
	expected := sm.signData(data)
	return hmac.Equal([]byte(signature), []byte(expected))
}
