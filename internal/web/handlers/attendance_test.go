package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kozaktomas/member-check/internal/database"
)

func TestAttendanceHandler_List(t *testing.T) {
	env := newTestEnv(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []database.AttendanceLog{
		{OrganizationID: testOrg, MemberID: "m-1", CheckedInAt: base},
		{OrganizationID: testOrg, MemberID: "m-2", CheckedInAt: base.Add(24 * time.Hour)},
		{OrganizationID: testOrg, MemberID: "m-1", CheckedInAt: base.Add(48 * time.Hour)},
		{OrganizationID: "other-org", MemberID: "m-9", CheckedInAt: base},
	}
	for i := range entries {
		if _, err := env.attendance.Append(t.Context(), &entries[i]); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	handler := NewAttendanceHandler(env.app)

	tests := []struct {
		name   string
		query  string
		status int
		want   int
	}{
		{"organization", "", http.StatusOK, 3},
		{"by member", "?member_id=m-1", http.StatusOK, 2},
		{"date range", "?from=2026-03-02&to=2026-03-03", http.StatusOK, 1},
		{"rfc3339 from", "?from=2026-03-02T00:00:00Z", http.StatusOK, 2},
		{"paged", "?limit=2&offset=2", http.StatusOK, 1},
		{"invalid from", "?from=yesterday", http.StatusBadRequest, 0},
		{"invalid to", "?to=03/01/2026", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/attendance"+tt.query, nil))

			assertStatusCode(t, recorder, tt.status)
			if tt.status != http.StatusOK {
				return
			}
			var response AttendanceListResponse
			parseJSONResponse(t, recorder, &response)
			if len(response.Logs) != tt.want {
				t.Errorf("expected %d logs, got %d", tt.want, len(response.Logs))
			}
			for i := 1; i < len(response.Logs); i++ {
				if response.Logs[i].CheckedInAt.After(response.Logs[i-1].CheckedInAt) {
					t.Error("expected newest first")
				}
			}
		})
	}
}

func TestAttendanceHandler_List_Empty(t *testing.T) {
	env := newTestEnv(t)
	handler := NewAttendanceHandler(env.app)

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/attendance", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var raw map[string]any
	parseJSONResponse(t, recorder, &raw)
	if logs, ok := raw["logs"].([]any); !ok || len(logs) != 0 {
		t.Errorf("expected an empty logs array, got %v", raw["logs"])
	}
}

func TestAttendanceHandler_List_StoreError(t *testing.T) {
	env := newTestEnv(t)
	env.attendance.ListError = errors.New("connection reset")
	handler := NewAttendanceHandler(env.app)

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/attendance", nil))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
}
