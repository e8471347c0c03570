// Package checkin implements the kiosk scan pipeline: a frame is turned into
// a face descriptor, matched against the member mirror and turned into an
// admission decision, attendance record or pending registration.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/descriptor"
	"github.com/kozaktomas/member-check/internal/facematch"
	"github.com/kozaktomas/member-check/internal/imagecache"
	"github.com/kozaktomas/member-check/internal/logging"
)

var (
	// ErrBanned is returned when attendance is requested for a banned member.
	ErrBanned = errors.New("member is banned")
	// ErrNameRequired is returned when registering without a name.
	ErrNameRequired = errors.New("name is required")
	// ErrNoImage is returned when registering without an image or pending entry.
	ErrNoImage = errors.New("image or pending entry is required")
	// ErrAlreadyRegistered is returned when a pending entry was already turned into a member.
	ErrAlreadyRegistered = errors.New("pending entry is already registered")
)

// Extractor computes the descriptor of the most prominent face in an image.
type Extractor interface {
	Describe(ctx context.Context, image []byte) (*descriptor.Face, error)
}

// Config tunes the service.
type Config struct {
	OrganizationID string
	Thresholds     facematch.Thresholds
	Cooldown       time.Duration // minimum time between two attendance logs of a member
	MaxImageSize   int
	DeniedDisplay  time.Duration
	ConfirmDisplay time.Duration
	GrantedDisplay time.Duration
}

// ScanResult is returned for every scanned frame.
type ScanResult struct {
	Decision         facematch.Decision `json:"decision"`
	Member           *database.Member   `json:"member,omitempty"`
	Similarity       float64            `json:"similarity"`
	Distance         float64            `json:"distance"`
	AttendanceLogged bool               `json:"attendance_logged"`
	AttendanceQueued bool               `json:"attendance_queued"`
	Cooldown         bool               `json:"cooldown"`
	PendingID        string             `json:"pending_id,omitempty"`
	DisplayMillis    int64              `json:"display_ms"`
	Message          string             `json:"message"`
}

// RegisterRequest creates a member from a new image or from a pending entry.
type RegisterRequest struct {
	Name      string
	Email     string
	Status    database.MemberStatus
	Image     []byte
	PendingID string
}

// RegisterResult reports where the member was stored.
type RegisterResult struct {
	Member  *database.Member `json:"member"`
	Pending bool             `json:"pending"` // true when only stored locally until the next sync
}

// Service runs scans, confirmations and registrations for one organization.
type Service struct {
	extractor  Extractor
	mirror     *cache.Mirror
	store      *cache.Store
	members    database.MemberWriter     // nil when running offline
	attendance database.AttendanceWriter // nil when running offline
	photos     *imagecache.Cache         // optional
	cfg        Config
	now        func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewService wires a Service. members, attendance and photos may be nil.
func NewService(
	extractor Extractor,
	mirror *cache.Mirror,
	store *cache.Store,
	members database.MemberWriter,
	attendance database.AttendanceWriter,
	photos *imagecache.Cache,
	cfg Config,
) *Service {
	return &Service{
		extractor:  extractor,
		mirror:     mirror,
		store:      store,
		members:    members,
		attendance: attendance,
		photos:     photos,
		cfg:        cfg,
		now:        time.Now,
		lastSeen:   make(map[string]time.Time),
	}
}

// describe downscales the image and extracts the best face.
func (s *Service) describe(ctx context.Context, image []byte) ([]byte, *descriptor.Face, error) {
	prepared, err := descriptor.PrepareImage(image, s.cfg.MaxImageSize)
	if err != nil {
		return nil, nil, err
	}
	face, err := s.extractor.Describe(ctx, prepared)
	if err != nil {
		return nil, nil, fmt.Errorf("describe face: %w", err)
	}
	return prepared, face, nil
}

// Scan matches the face in image and acts on the decision.
func (s *Service) Scan(ctx context.Context, image []byte) (*ScanResult, error) {
	log := logging.FromContext(ctx)

	prepared, face, err := s.describe(ctx, image)
	if err != nil {
		return nil, err
	}

	member, dist := s.mirror.Nearest(face.Descriptor)
	match := facematch.Evaluate(member, dist, s.cfg.Thresholds)
	res := &ScanResult{
		Decision:   match.Decision,
		Member:     match.Member,
		Similarity: match.Similarity,
		Distance:   match.Distance,
	}

	switch match.Decision {
	case facematch.DecisionGranted:
		s.applyAttendance(ctx, res, match.Member, match.Similarity, database.SourceScan)
		res.DisplayMillis = s.cfg.GrantedDisplay.Milliseconds()
		res.Message = "Welcome, " + match.Member.Name
	case facematch.DecisionConfirm:
		res.DisplayMillis = s.cfg.ConfirmDisplay.Milliseconds()
		res.Message = "Is this " + match.Member.Name + "?"
	case facematch.DecisionDenied:
		res.DisplayMillis = s.cfg.DeniedDisplay.Milliseconds()
		res.Message = "Access denied"
	case facematch.DecisionUnknown:
		res.PendingID = s.recordPending(face.Descriptor, prepared)
		res.Message = "Unknown face, register as new member"
	}

	log.WithFields(logrus.Fields{
		"decision":   res.Decision,
		"similarity": fmt.Sprintf("%.3f", res.Similarity),
		"pending_id": res.PendingID,
	}).Info("scan processed")
	return res, nil
}

// recordPending stores an unknown face unless an equivalent one is already pending.
func (s *Service) recordPending(desc []float32, image []byte) string {
	if dup, _, ok := s.store.FindDuplicate(desc, s.cfg.Thresholds.DuplicateDistance); ok {
		return dup.ID
	}
	entry := &cache.CacheEntry{
		OrganizationID: s.cfg.OrganizationID,
		Image:          image,
		Descriptor:     desc,
		CapturedAt:     s.now(),
	}
	s.store.Add(entry)
	return entry.ID
}

// Confirm logs attendance after an operator confirmed a plausible match.
func (s *Service) Confirm(ctx context.Context, memberID string, similarity float64) (*ScanResult, error) {
	member, err := s.lookupMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if member.Status == database.StatusBanned {
		return nil, ErrBanned
	}
	res := &ScanResult{
		Decision:      facematch.DecisionGranted,
		Member:        member,
		Similarity:    similarity,
		DisplayMillis: s.cfg.GrantedDisplay.Milliseconds(),
		Message:       "Welcome, " + member.Name,
	}
	s.applyAttendance(ctx, res, member, similarity, database.SourceManual)
	return res, nil
}

func (s *Service) lookupMember(ctx context.Context, id string) (*database.Member, error) {
	if m, ok := s.mirror.Get(id); ok {
		return m, nil
	}
	if s.members == nil || cache.IsTempID(id) {
		return nil, database.ErrNotFound
	}
	m, err := s.members.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OrganizationID != s.cfg.OrganizationID {
		return nil, database.ErrNotFound
	}
	return m, nil
}

// applyAttendance writes attendance remotely, falling back to the local queue.
// The cooldown slot is claimed before any remote call so concurrent scans of
// the same member produce a single log.
func (s *Service) applyAttendance(ctx context.Context, res *ScanResult, member *database.Member, similarity float64, source string) {
	now := s.now()
	release, ok := s.reserve(member.ID, now)
	if !ok {
		res.Cooldown = true
		return
	}
	if s.remoteCooldown(ctx, member.ID, now) {
		release()
		res.Cooldown = true
		return
	}

	entry := database.AttendanceLog{
		OrganizationID: s.cfg.OrganizationID,
		MemberID:       member.ID,
		// PostgreSQL keeps microseconds; truncating keeps retries idempotent.
		CheckedInAt: now.UTC().Truncate(time.Microsecond),
		Similarity:  similarity,
		Source:      source,
	}

	if s.attendance != nil && !cache.IsTempID(member.ID) {
		_, err := s.attendance.Append(ctx, &entry)
		if err == nil {
			res.AttendanceLogged = true
			return
		}
		logging.FromContext(ctx).WithError(err).WithField("member_id", member.ID).
			Warn("remote attendance write failed, queueing locally")
	}
	s.store.EnqueueAttendance(entry)
	res.AttendanceQueued = true
}

// reserve claims the cooldown slot of memberID at now. It reports false when
// the member was seen less than Cooldown ago. release undoes the claim.
func (s *Service) reserve(memberID string, now time.Time) (release func(), ok bool) {
	if s.cfg.Cooldown <= 0 {
		return func() {}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last, had := s.lastSeen[memberID]
	if had && now.Sub(last) < s.cfg.Cooldown {
		return nil, false
	}
	for id, seen := range s.lastSeen {
		if now.Sub(seen) >= s.cfg.Cooldown {
			delete(s.lastSeen, id)
		}
	}
	s.lastSeen[memberID] = now
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.lastSeen[memberID]; ok && cur.Equal(now) {
			delete(s.lastSeen, memberID)
		}
	}, true
}

// remoteCooldown reports whether the remote table holds a log of memberID
// newer than Cooldown. Lookup failures do not block admission.
func (s *Service) remoteCooldown(ctx context.Context, memberID string, now time.Time) bool {
	if s.cfg.Cooldown <= 0 || s.attendance == nil || cache.IsTempID(memberID) {
		return false
	}
	prev, err := s.attendance.LastForMember(ctx, memberID)
	if err != nil || prev == nil {
		return false
	}
	return now.Sub(prev.CheckedInAt) < s.cfg.Cooldown
}

// Register creates a member. When the remote table is unreachable the member
// is kept as a pending draft with a temp ID and pushed by the next sync.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" {
		return nil, ErrNameRequired
	}
	if req.Status == "" {
		req.Status = database.StatusAllowed
	}

	var image []byte
	var desc []float32
	switch {
	case req.PendingID != "":
		entry, ok := s.store.Get(req.PendingID)
		if !ok {
			return nil, cache.ErrEntryNotFound
		}
		if entry.Synced {
			return nil, fmt.Errorf("%w as member %s", ErrAlreadyRegistered, entry.MemberID)
		}
		image, desc = entry.Image, entry.Descriptor
	case len(req.Image) > 0:
		prepared, face, err := s.describe(ctx, req.Image)
		if err != nil {
			return nil, err
		}
		image, desc = prepared, face.Descriptor
	default:
		return nil, ErrNoImage
	}

	member := &database.Member{
		OrganizationID: s.cfg.OrganizationID,
		Name:           req.Name,
		Email:          req.Email,
		Status:         req.Status,
		Descriptor:     desc,
	}

	if s.members != nil {
		err := s.members.Create(ctx, member)
		if err == nil {
			s.mirror.Upsert(*member)
			if req.PendingID != "" {
				_ = s.store.MarkSynced(req.PendingID, member.ID)
			}
			s.storePhoto(ctx, member.ID, image)
			return &RegisterResult{Member: member}, nil
		}
		if errors.Is(err, database.ErrDuplicate) {
			return nil, err
		}
		logging.FromContext(ctx).WithError(err).Warn("remote member write failed, keeping registration pending")
	}

	draft := cache.Draft{Name: req.Name, Email: req.Email, Status: req.Status}
	if req.PendingID != "" {
		if err := s.store.SetDraft(req.PendingID, draft); err != nil {
			return nil, err
		}
		member.ID = req.PendingID
	} else {
		entry := &cache.CacheEntry{
			OrganizationID: s.cfg.OrganizationID,
			Image:          image,
			Descriptor:     desc,
			CapturedAt:     s.now(),
			Draft:          &draft,
		}
		s.store.Add(entry)
		member.ID = entry.ID
	}
	// Recognize the new member right away; sync swaps the temp ID for the remote one.
	s.mirror.Upsert(*member)
	return &RegisterResult{Member: member, Pending: true}, nil
}

// Discard drops a pending entry.
func (s *Service) Discard(id string) bool {
	if s.store.Remove(id) {
		s.mirror.Remove(id)
		return true
	}
	return false
}

func (s *Service) storePhoto(ctx context.Context, memberID string, image []byte) {
	if s.photos == nil || len(image) == 0 {
		return
	}
	if err := s.photos.Put(ctx, imagecache.MemberPhotoKey(memberID), image); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("member_id", memberID).Warn("failed to cache member photo")
	}
}
