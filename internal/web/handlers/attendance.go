package handlers

import (
	"net/http"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/database"
)

// AttendanceHandler handles attendance endpoints
type AttendanceHandler struct {
	app *app.App
}

// NewAttendanceHandler creates a new attendance handler
func NewAttendanceHandler(a *app.App) *AttendanceHandler {
	return &AttendanceHandler{app: a}
}

// AttendanceListResponse is a page of attendance logs
type AttendanceListResponse struct {
	Logs   []database.AttendanceLog `json:"logs"`
	Queued int                      `json:"queued"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// List returns attendance logs, optionally filtered by member_id, from and to
func (h *AttendanceHandler) List(w http.ResponseWriter, r *http.Request) {
	listAttendance(w, r, database.AttendanceFilter{
		OrganizationID: h.app.Config.Organization,
		MemberID:       r.URL.Query().Get("member_id"),
	}, len(h.app.Store.QueuedAttendance()))
}

// listAttendance completes filter from the query string and writes the page.
// queued is the number of locally queued entries not yet pushed.
func listAttendance(w http.ResponseWriter, r *http.Request, filter database.AttendanceFilter, queued int) {
	attendance, err := database.GetAttendanceWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}

	from, err := parseTimeParam(r, "from")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid from parameter")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid to parameter")
		return
	}
	filter.From, filter.To = from, to
	filter.Limit, filter.Offset = parsePagination(r)

	logs, err := attendance.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if logs == nil {
		logs = []database.AttendanceLog{}
	}
	respondJSON(w, http.StatusOK, AttendanceListResponse{
		Logs:   logs,
		Queued: queued,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}
