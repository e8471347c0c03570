package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/database"
)

// waitForJob polls the job until it reaches a terminal status.
func waitForJob(t *testing.T, h *SyncHandler, id string) *SyncJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job := h.jobManager.GetJob(id)
		if job != nil && isJobTerminal(job.GetStatus()) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func startSync(t *testing.T, h *SyncHandler) string {
	t.Helper()
	recorder := httptest.NewRecorder()
	h.Start(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil))
	assertStatusCode(t, recorder, http.StatusAccepted)
	var response map[string]string
	parseJSONResponse(t, recorder, &response)
	if response["job_id"] == "" {
		t.Fatal("expected job_id")
	}
	return response["job_id"]
}

func TestSyncHandler_Start(t *testing.T) {
	env := newTestEnv(t, testMember("m-1", "Alice", database.StatusAllowed, 0, 0, 0))
	env.app.Store.Add(&cache.CacheEntry{
		OrganizationID: testOrg,
		Descriptor:     []float32{1, 1, 1},
		CapturedAt:     time.Now(),
		Draft:          &cache.Draft{Name: "Bob", Status: database.StatusAllowed},
	})
	var finished atomic.Int32
	handler := NewSyncHandler(env.app, func() { finished.Add(1) })

	id := startSync(t, handler)
	job := waitForJob(t, handler, id)

	snap := job.Snapshot()
	if snap.Status != JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", snap.Status, snap.Error)
	}
	if snap.Result == nil || snap.Result.DraftsCreated != 1 || snap.Result.MembersPulled != 2 {
		t.Errorf("unexpected result %+v", snap.Result)
	}
	if snap.CompletedAt == nil {
		t.Error("expected completed_at")
	}
	if finished.Load() != 1 {
		t.Errorf("expected onFinish once, got %d", finished.Load())
	}
	if env.app.Mirror.Len() != 2 {
		t.Errorf("expected mirror refreshed with 2 members, got %d", env.app.Mirror.Len())
	}

	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/sync/"+id, nil), map[string]string{"jobId": id})
	recorder := httptest.NewRecorder()
	handler.Status(recorder, req)
	assertStatusCode(t, recorder, http.StatusOK)
	var status SyncJob
	parseJSONResponse(t, recorder, &status)
	if status.ID != id || status.Status != JobStatusCompleted {
		t.Errorf("unexpected status %+v", &status)
	}
}

func TestSyncHandler_Start_PullFailure(t *testing.T) {
	env := newTestEnv(t)
	env.members.ListError = errDatabaseDown
	handler := NewSyncHandler(env.app, nil)

	job := waitForJob(t, handler, startSync(t, handler))

	snap := job.Snapshot()
	if snap.Status != JobStatusFailed || snap.Error == "" {
		t.Errorf("expected failed job with error, got %+v", &snap)
	}
}

func TestSyncHandler_Start_NoSyncer(t *testing.T) {
	env := newTestEnv(t)
	env.app.Syncer = nil
	handler := NewSyncHandler(env.app, nil)

	recorder := httptest.NewRecorder()
	handler.Start(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil))

	assertStatusCode(t, recorder, http.StatusServiceUnavailable)
}

func TestSyncHandler_Status_NotFound(t *testing.T) {
	env := newTestEnv(t)
	handler := NewSyncHandler(env.app, nil)

	req := requestWithChiParams(httptest.NewRequest(http.MethodGet, "/api/v1/sync/nope", nil), map[string]string{"jobId": "nope"})
	recorder := httptest.NewRecorder()
	handler.Status(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "job not found")
}

func TestSyncHandler_Events(t *testing.T) {
	env := newTestEnv(t)
	handler := NewSyncHandler(env.app, nil)

	r := chi.NewRouter()
	r.Get("/api/v1/sync/{jobId}/events", handler.Events)
	server := httptest.NewServer(r)
	defer server.Close()

	// Hold the pull until the stream is connected so every event is observed.
	release := make(chan struct{})
	env.members.ListHook = func() { <-release }

	id := startSync(t, handler)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/v1/sync/"+id+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			if name == "status" {
				close(release)
			}
		}
	}

	if len(events) == 0 || events[0] != "status" {
		t.Fatalf("expected initial status event, got %v", events)
	}
	if events[len(events)-1] != "completed" {
		t.Errorf("expected stream to end with completed, got %v", events)
	}
}

func TestJobManager_EvictsFinishedJobs(t *testing.T) {
	m := NewJobManager()
	base := time.Now()
	for i := range maxFinishedJobs + 5 {
		job := m.CreateJob(strings.Repeat("x", i+1))
		job.StartedAt = base.Add(time.Duration(i) * time.Second)
		job.finish(nil, nil)
	}
	running := m.CreateJob("running")

	if got := len(m.ListJobs()); got != maxFinishedJobs+1 {
		t.Errorf("expected %d jobs, got %d", maxFinishedJobs+1, got)
	}
	if m.GetJob("running") != running {
		t.Error("running job must never be evicted")
	}
	if m.GetJob("x") != nil {
		t.Error("expected the oldest job to be evicted")
	}
}
