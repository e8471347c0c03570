package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/kozaktomas/member-check/internal/app"
)

// ScanHandler handles kiosk scan endpoints
type ScanHandler struct {
	app *app.App
}

// NewScanHandler creates a new scan handler
func NewScanHandler(a *app.App) *ScanHandler {
	return &ScanHandler{app: a}
}

// Scan matches an uploaded frame against the member mirror
func (h *ScanHandler) Scan(w http.ResponseWriter, r *http.Request) {
	image, ok := readUpload(w, r, "image")
	if !ok {
		return
	}

	ctx := r.Context()
	if timeout := h.app.Config.Camera.ScanTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := h.app.Checkin.Scan(ctx, image)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			respondError(w, http.StatusGatewayTimeout, "scan timed out")
			return
		}
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type confirmRequest struct {
	MemberID   string  `json:"member_id"`
	Similarity float64 `json:"similarity"`
}

// Confirm logs attendance for a member the operator recognized
func (h *ScanHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	req.MemberID = strings.TrimSpace(req.MemberID)
	if req.MemberID == "" {
		respondError(w, http.StatusBadRequest, "member_id is required")
		return
	}

	res, err := h.app.Checkin.Confirm(r.Context(), req.MemberID, req.Similarity)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
