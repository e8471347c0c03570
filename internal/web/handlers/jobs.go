package handlers

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/member-check/internal/constants"
	"github.com/kozaktomas/member-check/internal/syncer"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// maxFinishedJobs bounds how many terminal jobs the manager remembers.
const maxFinishedJobs = 20

// SyncJob represents an async sync run.
type SyncJob struct {
	EventBroadcaster

	ID          string         `json:"id"`
	Status      JobStatus      `json:"status"`
	Stage       string         `json:"stage,omitempty"`
	Done        int            `json:"done"`
	Total       int            `json:"total"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *syncer.Result `json:"result,omitempty"`
}

// GetStatus returns the current job status (implements SSEJob).
func (j *SyncJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// Snapshot returns a copy of the job safe to encode while the job runs.
func (j *SyncJob) Snapshot() SyncJob {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return SyncJob{
		ID:          j.ID,
		Status:      j.Status,
		Stage:       j.Stage,
		Done:        j.Done,
		Total:       j.Total,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Result:      j.Result,
	}
}

// Cancel cancels the sync job.
func (j *SyncJob) Cancel() {
	j.EventBroadcaster.Cancel()
	j.mu.Lock()
	j.Status = JobStatusCancelled
	j.mu.Unlock()
}

// start marks the job running and returns its context.
func (j *SyncJob) start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	j.mu.Lock()
	j.cancel = cancel
	j.Status = JobStatusRunning
	j.mu.Unlock()
	j.SendEvent(JobEvent{Type: "started", Message: "Sync started"})
	return ctx
}

// progress records stage progress and broadcasts it.
func (j *SyncJob) progress(stage string, done, total int) {
	j.mu.Lock()
	j.Stage, j.Done, j.Total = stage, done, total
	j.mu.Unlock()
	j.SendEvent(JobEvent{
		Type: "progress",
		Data: map[string]any{"stage": stage, "done": done, "total": total},
	})
}

// finish stores the outcome and sends the terminal event.
func (j *SyncJob) finish(res *syncer.Result, err error) {
	now := time.Now()
	j.mu.Lock()
	j.CompletedAt = &now
	j.Result = res
	cancelled := j.Status == JobStatusCancelled
	switch {
	case cancelled:
	case err != nil:
		j.Status = JobStatusFailed
		j.Error = err.Error()
	default:
		j.Status = JobStatusCompleted
	}
	status := j.Status
	j.mu.Unlock()

	if j.cancel != nil {
		j.cancel()
	}
	switch status {
	case JobStatusFailed:
		j.SendEvent(JobEvent{Type: "job_error", Message: err.Error(), Data: res})
	case JobStatusCompleted:
		j.SendEvent(JobEvent{Type: "completed", Data: res})
	}
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel cancels the job via context and sends a cancelled event.
func (b *EventBroadcaster) Cancel() {
	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager manages async jobs.
type JobManager struct {
	jobs map[string]*SyncJob
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*SyncJob),
	}
}

// CreateJob creates a new sync job and forgets the oldest finished jobs.
func (m *JobManager) CreateJob(id string) *SyncJob {
	job := &SyncJob{
		ID:        id,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.evictLocked()
	m.mu.Unlock()

	return job
}

func (m *JobManager) evictLocked() {
	var finished []*SyncJob
	for _, job := range m.jobs {
		if isJobTerminal(job.GetStatus()) {
			finished = append(finished, job)
		}
	}
	if len(finished) <= maxFinishedJobs {
		return
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].StartedAt.Before(finished[j].StartedAt)
	})
	for _, job := range finished[:len(finished)-maxFinishedJobs] {
		delete(m.jobs, job.ID)
	}
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// ListJobs returns all jobs, newest first.
func (m *JobManager) ListJobs() []*SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*SyncJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs
}
