package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/logging"
	"github.com/kozaktomas/member-check/internal/syncer"
)

// SyncHandler starts sync runs and streams their progress
type SyncHandler struct {
	app        *app.App
	jobManager *JobManager
	onFinish   func()
}

// NewSyncHandler creates a new sync handler. onFinish, when set, is called
// after every run.
func NewSyncHandler(a *app.App, onFinish func()) *SyncHandler {
	return &SyncHandler{
		app:        a,
		jobManager: NewJobManager(),
		onFinish:   onFinish,
	}
}

// Start launches a sync run in the background
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	if h.app.Syncer == nil {
		respondError(w, http.StatusServiceUnavailable, errDatabaseUnavailable)
		return
	}
	if h.app.Syncer.Running() {
		respondError(w, http.StatusConflict, syncer.ErrSyncInProgress.Error())
		return
	}

	job := h.jobManager.CreateJob(uuid.New().String())
	logger := logging.FromContext(r.Context()).WithField("job_id", job.ID)
	// Detached from the request so the run outlives the response.
	ctx := job.start(logging.WithLogger(context.Background(), logger))

	go h.run(ctx, job, logger)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(JobStatusRunning),
	})
}

func (h *SyncHandler) run(ctx context.Context, job *SyncJob, logger logrus.FieldLogger) {
	res, err := h.app.Syncer.Run(ctx, job.progress)
	if errors.Is(err, syncer.ErrSyncInProgress) {
		logger.Warn("sync already running, job dropped")
	}
	job.finish(res, err)
	if err == nil {
		logger.Info("sync job completed")
	}
	if h.onFinish != nil {
		h.onFinish()
	}
}

// Status returns the state of a sync job
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.jobManager.GetJob(chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.Snapshot())
}

// List returns recent sync jobs
func (h *SyncHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.jobManager.ListJobs()
	resp := make([]SyncJob, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, job.Snapshot())
	}
	respondJSON(w, http.StatusOK, resp)
}

// Cancel stops a running sync job
func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job := h.jobManager.GetJob(chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}
	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]string{"status": string(JobStatusCancelled)})
}

// Events streams sync job events via SSE
func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			if job := h.jobManager.GetJob(id); job != nil {
				return job
			}
			return nil
		},
		func(job SSEJob) any {
			snap := job.(*SyncJob).Snapshot()
			return &snap
		},
	)
}
