// Package syncer reconciles the local cache with the remote member table.
//
// A run pushes pending registration drafts, then queued attendance, then
// refreshes the mirror from the remote table and finally prunes and persists
// the local state. Only one run may be active at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/constants"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/imagecache"
	"github.com/kozaktomas/member-check/internal/logging"
)

// ErrSyncInProgress is returned when Run is called while another run is active.
var ErrSyncInProgress = errors.New("sync already in progress")

// Sync stages reported to the progress callback.
const (
	StageDrafts     = "drafts"
	StageAttendance = "attendance"
	StagePull       = "pull"
	StagePrune      = "prune"
)

// ProgressFunc receives progress updates during a run. It may be called
// from several goroutines at once.
type ProgressFunc func(stage string, done, total int)

// Options configure a Syncer.
type Options struct {
	OrganizationID    string
	Concurrency       int
	MaxRetries        int
	DuplicateDistance float64
	CacheMaxAge       time.Duration
	StateDir          string // empty disables persistence
}

// Result summarizes a run.
type Result struct {
	DraftsCreated    int           `json:"drafts_created"`
	DraftsLinked     int           `json:"drafts_linked"`
	DraftsFailed     int           `json:"drafts_failed"`
	Remapped         int           `json:"attendance_remapped"`
	AttendancePushed int           `json:"attendance_pushed"`
	AttendanceSkip   int           `json:"attendance_duplicates"`
	AttendanceFailed int           `json:"attendance_failed"`
	AttendanceOrphan int           `json:"attendance_orphaned"`
	MembersPulled    int           `json:"members_pulled"`
	Pruned           int           `json:"pruned"`
	Errors           []string      `json:"errors,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration_ns"`
}

// Syncer pushes local changes to the remote store and refreshes the mirror.
type Syncer struct {
	members    database.MemberWriter
	attendance database.AttendanceWriter
	mirror     *cache.Mirror
	store      *cache.Store
	photos     *imagecache.Cache // optional
	opts       Options

	running    atomic.Bool
	newBackOff func() backoff.BackOff
	now        func() time.Time

	mu   sync.RWMutex
	last *Result
}

// New creates a Syncer. photos may be nil.
func New(members database.MemberWriter, attendance database.AttendanceWriter, mirror *cache.Mirror, store *cache.Store, photos *imagecache.Cache, opts Options) *Syncer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = constants.WorkerPoolSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Syncer{
		members:    members,
		attendance: attendance,
		mirror:     mirror,
		store:      store,
		photos:     photos,
		opts:       opts,
		newBackOff: defaultBackOff,
		now:        time.Now,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// SetBackOff replaces the retry policy of remote calls.
func (s *Syncer) SetBackOff(newBackOff func() backoff.BackOff) {
	s.newBackOff = newBackOff
}

// MirrorPath returns the mirror snapshot location inside dir.
func MirrorPath(dir string) string { return filepath.Join(dir, "mirror.gob") }

// StorePath returns the local store snapshot location inside dir.
func StorePath(dir string) string { return filepath.Join(dir, "store.gob") }

// Running reports whether a run is active.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

// LastResult returns the result of the last completed run, or nil.
func (s *Syncer) LastResult() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run performs one sync pass. The returned error is non-nil when the mirror
// could not be refreshed or the run was cancelled; per-entry failures are
// counted in the Result and retried on the next run.
func (s *Syncer) Run(ctx context.Context, progress ProgressFunc) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	if progress == nil {
		progress = func(string, int, int) {}
	}
	log := logging.FromContext(ctx)
	res := &Result{StartedAt: s.now()}
	var errMu sync.Mutex
	addErr := func(err error) {
		errMu.Lock()
		res.Errors = append(res.Errors, err.Error())
		errMu.Unlock()
	}

	s.pushDrafts(ctx, res, addErr, progress)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.pushAttendance(ctx, res, addErr, progress)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	progress(StagePull, 0, 1)
	pullErr := s.pull(ctx, res)
	if pullErr != nil {
		addErr(pullErr)
	}
	progress(StagePull, 1, 1)

	res.Pruned = s.store.Prune(s.now(), s.opts.CacheMaxAge)
	progress(StagePrune, 1, 1)

	if err := s.SaveState(); err != nil {
		log.WithError(err).Warn("failed to persist sync state")
		addErr(err)
	}

	res.Duration = time.Since(res.StartedAt)
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"created":    res.DraftsCreated,
		"linked":     res.DraftsLinked,
		"failed":     res.DraftsFailed,
		"attendance": res.AttendancePushed,
		"orphaned":   res.AttendanceOrphan,
		"members":    res.MembersPulled,
		"pruned":     res.Pruned,
	}).Info("sync finished")
	return res, pullErr
}

// pushDrafts writes pending registrations with a bounded worker pool.
func (s *Syncer) pushDrafts(ctx context.Context, res *Result, addErr func(error), progress ProgressFunc) {
	drafts := s.store.Drafts()
	if len(drafts) == 0 {
		return
	}
	log := logging.FromContext(ctx)

	var created, linked, failed, done int64
	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup

	for i := range drafts {
		wg.Add(1)
		go func(entry cache.CacheEntry) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			memberID, isLink, err := s.pushDraft(ctx, entry)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				_ = s.store.RecordFailure(entry.ID, err)
				addErr(fmt.Errorf("draft %s: %w", entry.ID, err))
				log.WithError(err).WithField("entry_id", entry.ID).Warn("failed to push draft")
			} else {
				if isLink {
					atomic.AddInt64(&linked, 1)
				} else {
					atomic.AddInt64(&created, 1)
				}
				_ = s.store.MarkSynced(entry.ID, memberID)
				s.mirror.Remove(entry.ID)
				if !isLink {
					s.storePhoto(ctx, memberID, entry.Image)
				}
			}
			progress(StageDrafts, int(atomic.AddInt64(&done, 1)), len(drafts))
		}(drafts[i])
	}
	wg.Wait()

	res.DraftsCreated = int(created)
	res.DraftsLinked = int(linked)
	res.DraftsFailed = int(failed)
}

// pushDraft resolves a draft to a remote member id. The bool is true when an
// existing member was linked instead of a new one inserted.
func (s *Syncer) pushDraft(ctx context.Context, entry cache.CacheEntry) (string, bool, error) {
	org := s.opts.OrganizationID
	draft := entry.Draft

	if id, ok, err := s.findByEmail(ctx, draft.Email); err != nil || ok {
		return id, ok, err
	}

	if len(entry.Descriptor) > 0 {
		var nearest []database.NearestMember
		err := s.retry(ctx, func() error {
			var err error
			nearest, err = s.members.FindNearest(ctx, org, entry.Descriptor, 1)
			return err
		})
		if err != nil {
			return "", false, fmt.Errorf("nearest member: %w", err)
		}
		if len(nearest) > 0 && nearest[0].Distance <= s.opts.DuplicateDistance {
			return nearest[0].Member.ID, true, nil
		}
	}

	status := draft.Status
	if status == "" {
		status = database.StatusAllowed
	}
	member := &database.Member{
		OrganizationID: org,
		Name:           draft.Name,
		Email:          draft.Email,
		Status:         status,
		Descriptor:     entry.Descriptor,
	}
	err := s.retry(ctx, func() error {
		member.ID = ""
		return s.members.Create(ctx, member)
	})
	if errors.Is(err, database.ErrDuplicate) {
		// Another writer inserted the same email since the lookup above.
		if id, ok, lookupErr := s.findByEmail(ctx, draft.Email); lookupErr == nil && ok {
			return id, true, nil
		}
	}
	if err != nil {
		return "", false, fmt.Errorf("create member: %w", err)
	}
	return member.ID, false, nil
}

func (s *Syncer) findByEmail(ctx context.Context, email string) (string, bool, error) {
	if email == "" {
		return "", false, nil
	}
	var existing *database.Member
	err := s.retry(ctx, func() error {
		var err error
		existing, err = s.members.FindByEmail(ctx, s.opts.OrganizationID, email)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("find by email: %w", err)
	}
	if existing == nil {
		return "", false, nil
	}
	return existing.ID, true, nil
}

// pushAttendance remaps temp ids and writes the queued attendance logs.
// Logs that can never be written are dropped and counted as orphaned: those
// whose temp id no longer has a local entry, and those the remote rejects
// because the member does not exist.
func (s *Syncer) pushAttendance(ctx context.Context, res *Result, addErr func(error), progress ProgressFunc) {
	ids := make(map[string]string)
	local := make(map[string]bool)
	for _, e := range s.store.Entries() {
		local[e.ID] = true
		if e.Synced && e.MemberID != "" {
			ids[e.ID] = e.MemberID
		}
	}
	res.Remapped = s.store.RemapAttendance(ids)

	logs := s.store.DrainAttendance()
	if len(logs) == 0 {
		return
	}
	log := logging.FromContext(ctx)

	var requeue []database.AttendanceLog
	for i := range logs {
		entry := logs[i]
		if cache.IsTempID(entry.MemberID) {
			if local[entry.MemberID] {
				requeue = append(requeue, entry)
			} else {
				res.AttendanceOrphan++
				log.WithField("member_id", entry.MemberID).Warn("dropping attendance for unknown local member")
			}
			progress(StageAttendance, i+1, len(logs))
			continue
		}
		var inserted bool
		err := s.retry(ctx, func() error {
			var err error
			inserted, err = s.attendance.Append(ctx, &entry)
			return err
		})
		switch {
		case errors.Is(err, database.ErrNotFound):
			res.AttendanceOrphan++
			addErr(fmt.Errorf("attendance %s: %w", entry.MemberID, err))
			log.WithField("member_id", entry.MemberID).Warn("dropping attendance for member missing remotely")
		case err != nil:
			res.AttendanceFailed++
			addErr(fmt.Errorf("attendance %s: %w", entry.MemberID, err))
			requeue = append(requeue, entry)
		case inserted:
			res.AttendancePushed++
		default:
			res.AttendanceSkip++
		}
		progress(StageAttendance, i+1, len(logs))
	}
	s.store.RequeueAttendance(requeue)
}

// Pull refreshes the mirror from the remote member table without pushing
// local changes. It returns the number of members pulled.
func (s *Syncer) Pull(ctx context.Context) (int, error) {
	res := &Result{}
	if err := s.pull(ctx, res); err != nil {
		return 0, err
	}
	return res.MembersPulled, nil
}

// pull replaces the mirror with the remote member table and re-adds local drafts.
func (s *Syncer) pull(ctx context.Context, res *Result) error {
	var members []database.Member
	err := s.retry(ctx, func() error {
		var err error
		members, err = s.members.List(ctx, database.MemberFilter{OrganizationID: s.opts.OrganizationID})
		return err
	})
	if err != nil {
		return fmt.Errorf("pull members: %w", err)
	}
	s.mirror.Replace(members)
	for _, e := range s.store.Drafts() {
		s.mirror.Upsert(database.Member{
			ID:             e.ID,
			OrganizationID: s.opts.OrganizationID,
			Name:           e.Draft.Name,
			Email:          e.Draft.Email,
			Status:         e.Draft.Status,
			Descriptor:     e.Descriptor,
		})
	}
	res.MembersPulled = len(members)
	return nil
}

// SaveState writes the mirror and local store snapshots to the state dir.
func (s *Syncer) SaveState() error {
	if s.opts.StateDir == "" {
		return nil
	}
	return errors.Join(
		s.mirror.Save(MirrorPath(s.opts.StateDir)),
		s.store.Save(StorePath(s.opts.StateDir)),
	)
}

func (s *Syncer) storePhoto(ctx context.Context, memberID string, image []byte) {
	if s.photos == nil || len(image) == 0 {
		return
	}
	if err := s.photos.Put(ctx, imagecache.MemberPhotoKey(memberID), image); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("failed to cache member photo")
	}
}

// retry runs op with bounded exponential backoff. Not-found and duplicate
// errors are final.
func (s *Syncer) retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.MaxRetries)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, database.ErrNotFound) || errors.Is(err, database.ErrDuplicate) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
