package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/checkin"
	"github.com/kozaktomas/member-check/internal/database"
)

// PendingHandler handles locally captured faces that are not members yet
type PendingHandler struct {
	app *app.App
}

// NewPendingHandler creates a new pending handler
func NewPendingHandler(a *app.App) *PendingHandler {
	return &PendingHandler{app: a}
}

// PendingEntryResponse is a pending entry without its image bytes
type PendingEntryResponse struct {
	ID         string                `json:"id"`
	CapturedAt time.Time             `json:"captured_at"`
	ImageSize  int                   `json:"image_size"`
	Name       string                `json:"name,omitempty"`
	Email      string                `json:"email,omitempty"`
	Status     database.MemberStatus `json:"status,omitempty"`
	Draft      bool                  `json:"draft"`
	Attempts   int                   `json:"attempts"`
	LastError  string                `json:"last_error,omitempty"`
}

func toPendingResponse(e *cache.CacheEntry) PendingEntryResponse {
	resp := PendingEntryResponse{
		ID:         e.ID,
		CapturedAt: e.CapturedAt,
		ImageSize:  len(e.Image),
		Attempts:   e.Attempts,
		LastError:  e.LastError,
	}
	if e.Draft != nil {
		resp.Draft = true
		resp.Name = e.Draft.Name
		resp.Email = e.Draft.Email
		resp.Status = e.Draft.Status
	}
	return resp
}

// List returns unsynced entries, newest first
func (h *PendingHandler) List(w http.ResponseWriter, r *http.Request) {
	entries := h.app.Store.Pending()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CapturedAt.After(entries[j].CapturedAt)
	})

	resp := make([]PendingEntryResponse, 0, len(entries))
	for i := range entries {
		resp = append(resp, toPendingResponse(&entries[i]))
	}
	respondJSON(w, http.StatusOK, resp)
}

type registerPendingRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Status string `json:"status"`
}

// Register turns a pending entry into a member
func (h *PendingHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerPendingRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	status, err := database.ParseMemberStatus(req.Status)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.app.Checkin.Register(r.Context(), checkin.RegisterRequest{
		Name:      req.Name,
		Email:     req.Email,
		Status:    status,
		PendingID: chi.URLParam(r, "id"),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	code := http.StatusCreated
	if res.Pending {
		code = http.StatusAccepted
	}
	respondJSON(w, code, toMemberResponse(res.Member, res.Pending))
}

// Delete discards a pending entry
func (h *PendingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.app.Checkin.Discard(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "pending entry not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
