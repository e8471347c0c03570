package handlers

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kozaktomas/member-check/internal/config"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/logging"
	"github.com/kozaktomas/member-check/internal/web/middleware"
)

const minPasswordLength = 8

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	config         *config.Config
	sessionManager *middleware.SessionManager
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(cfg *config.Config, sm *middleware.SessionManager) *AuthHandler {
	return &AuthHandler{
		config:         cfg,
		sessionManager: sm,
	}
}

type credentialsRequest struct {
	OrganizationName string `json:"organization_name"`
	Email            string `json:"email"`
	Password         string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Success        bool   `json:"success"`
	SessionID      string `json:"session_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Signup creates an operator account. Without a session it bootstraps the
// configured organization and its first operator; once the organization
// exists only a signed-in operator may add colleagues.
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(req.Email); err != nil {
		respondError(w, http.StatusBadRequest, "valid email is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		respondError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	operators, err := database.GetOperatorStore(ctx)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}

	orgID := h.config.Organization
	current := h.sessionManager.GetSessionFromRequest(r)
	if current == nil {
		_, err := operators.GetOrganization(ctx, orgID)
		switch {
		case err == nil:
			respondError(w, http.StatusForbidden, "signup is closed, ask an operator to invite you")
			return
		case !errors.Is(err, database.ErrNotFound):
			respondServiceError(w, r, err)
			return
		}
		name := strings.TrimSpace(req.OrganizationName)
		if name == "" {
			name = orgID
		}
		if err := operators.CreateOrganization(ctx, &database.Organization{ID: orgID, Name: name}); err != nil {
			respondServiceError(w, r, err)
			return
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	op := &database.Operator{OrganizationID: orgID, Email: req.Email, PasswordHash: string(hash)}
	if err := operators.CreateOperator(ctx, op); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			respondError(w, http.StatusConflict, "email already registered")
			return
		}
		respondServiceError(w, r, err)
		return
	}
	logging.FromContext(ctx).WithField("operator_id", op.ID).Info("operator created")

	if current != nil {
		respondJSON(w, http.StatusCreated, map[string]string{"operator_id": op.ID})
		return
	}
	h.startSession(w, r, op, http.StatusCreated)
}

// Login handles operator login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	operators, err := database.GetOperatorStore(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}

	op, err := operators.GetOperatorByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		respondServiceError(w, r, err)
		return
	}
	if op == nil || op.OrganizationID != h.config.Organization ||
		bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(req.Password)) != nil {
		logging.FromContext(r.Context()).WithField("email", sanitizeForLog(req.Email)).Warn("failed login")
		respondJSON(w, http.StatusUnauthorized, LoginResponse{
			Success: false,
			Error:   "invalid credentials",
		})
		return
	}

	h.startSession(w, r, op, http.StatusOK)
}

func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, op *database.Operator, status int) {
	session, err := h.sessionManager.CreateSession(r.Context(), op)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	h.sessionManager.SetSessionCookie(w, r, session)

	respondJSON(w, status, LoginResponse{
		Success:        true,
		SessionID:      session.ID,
		OrganizationID: session.OrganizationID,
		ExpiresAt:      session.ExpiresAt.Format(time.RFC3339),
	})
}

// Logout handles operator logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session := h.sessionManager.GetSessionFromRequest(r); session != nil {
		h.sessionManager.DeleteSession(r.Context(), session.ID)
	}
	h.sessionManager.ClearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// StatusResponse represents the auth status response
type StatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Email         string `json:"email,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// Status checks if the operator is authenticated by validating the session.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	session := h.sessionManager.GetSessionFromRequest(r)
	if session == nil {
		respondJSON(w, http.StatusOK, StatusResponse{Authenticated: false})
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{
		Authenticated: true,
		Email:         session.Email,
		ExpiresAt:     session.ExpiresAt.Format(time.RFC3339),
	})
}
