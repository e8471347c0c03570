package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kozaktomas/member-check/internal/constants"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/descriptor"
)

const storeSnapshotVersion = 1

// ErrEntryNotFound is returned when a pending entry does not exist.
var ErrEntryNotFound = errors.New("cache entry not found")

// Draft holds registration details entered for a pending face.
type Draft struct {
	Name   string
	Email  string
	Status database.MemberStatus
}

// CacheEntry is a locally captured face waiting to be registered or synced.
type CacheEntry struct {
	ID             string
	OrganizationID string
	Image          []byte
	Descriptor     []float32
	CapturedAt     time.Time
	Draft          *Draft
	Synced         bool
	MemberID       string // remote member ID once synced
	Attempts       int
	LastError      string
}

// StoreStats summarizes the local store.
type StoreStats struct {
	Entries    int `json:"entries"`
	Pinned     int `json:"pinned"`
	Pending    int `json:"pending"`
	Drafts     int `json:"drafts"`
	Attendance int `json:"attendance_queued"`
	Evicted    int `json:"evicted"`
	Capacity   int `json:"capacity"`
}

// Store is a bounded LRU of CacheEntry plus a queue of attendance logs that
// could not be written to the remote table yet.
//
// Unsynced entries carrying a Draft are pinned outside the LRU: they hold
// operator input and may be referenced by queued attendance, so neither
// eviction nor Prune drops them. They do not count toward capacity.
type Store struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, *CacheEntry]
	pinned     map[string]*CacheEntry
	attendance []database.AttendanceLog
	capacity   int
	evicted    atomic.Int64
}

type storeSnapshot struct {
	Version    int
	Entries    []CacheEntry // least recently used first
	Attendance []database.AttendanceLog
}

// NewStore creates a store holding at most capacity entries.
func NewStore(capacity int) (*Store, error) {
	s := &Store{capacity: capacity, pinned: make(map[string]*CacheEntry)}
	entries, err := lru.New[string, *CacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry cache: %w", err)
	}
	s.entries = entries
	return s, nil
}

// NewTempID returns a locally generated member ID that cannot collide with remote IDs.
func NewTempID() string {
	return constants.TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, constants.TempIDPrefix)
}

// Add stores an entry, assigning a temp ID and capture time when missing.
// The least recently used unpinned entry is evicted when the store is full.
func (s *Store) Add(entry *CacheEntry) {
	if entry.ID == "" {
		entry.ID = NewTempID()
	}
	if entry.CapturedAt.IsZero() {
		entry.CapturedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.placeLocked(&cp)
}

func isPinned(e *CacheEntry) bool {
	return e.Draft != nil && !e.Synced
}

// placeLocked files e in the pinned set or the LRU depending on its state.
func (s *Store) placeLocked(e *CacheEntry) {
	if isPinned(e) {
		s.entries.Remove(e.ID)
		s.pinned[e.ID] = e
		return
	}
	delete(s.pinned, e.ID)
	if s.entries.Add(e.ID, e) {
		s.evicted.Add(1)
	}
}

func (s *Store) peekLocked(id string) (*CacheEntry, bool) {
	if e, ok := s.pinned[id]; ok {
		return e, true
	}
	return s.entries.Peek(id)
}

func (s *Store) valuesLocked() []*CacheEntry {
	out := s.entries.Values()
	for _, e := range s.pinned {
		out = append(out, e)
	}
	return out
}

// Get returns a copy of an entry and marks it recently used.
func (s *Store) Get(id string) (*CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pinned[id]
	if !ok {
		e, ok = s.entries.Get(id)
	}
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Remove deletes an entry. Returns false when it did not exist.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pinned[id]; ok {
		delete(s.pinned, id)
		return true
	}
	return s.entries.Remove(id)
}

// Entries returns copies of all entries ordered by capture time.
func (s *Store) Entries() []CacheEntry {
	return s.collect(func(*CacheEntry) bool { return true })
}

// Pending returns unsynced entries ordered by capture time.
func (s *Store) Pending() []CacheEntry {
	return s.collect(func(e *CacheEntry) bool { return !e.Synced })
}

// Drafts returns unsynced entries that carry registration details.
func (s *Store) Drafts() []CacheEntry {
	return s.collect(func(e *CacheEntry) bool { return !e.Synced && e.Draft != nil })
}

func (s *Store) collect(keep func(*CacheEntry) bool) []CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CacheEntry
	for _, e := range s.valuesLocked() {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out
}

// update applies fn to a stored entry and refiles it if its pinning changed.
func (s *Store) update(id string, fn func(*CacheEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.peekLocked(id)
	if !ok {
		return ErrEntryNotFound
	}
	_, wasPinned := s.pinned[id]
	fn(e)
	if isPinned(e) != wasPinned {
		s.placeLocked(e)
	}
	return nil
}

// SetDraft attaches registration details to a pending entry.
func (s *Store) SetDraft(id string, draft Draft) error {
	return s.update(id, func(e *CacheEntry) {
		d := draft
		e.Draft = &d
	})
}

// MarkSynced records the remote member an entry resolved to.
func (s *Store) MarkSynced(id, memberID string) error {
	return s.update(id, func(e *CacheEntry) {
		e.Synced = true
		e.MemberID = memberID
		e.LastError = ""
	})
}

// RecordFailure counts a failed sync attempt for an entry.
func (s *Store) RecordFailure(id string, cause error) error {
	return s.update(id, func(e *CacheEntry) {
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

// FindDuplicate returns the unsynced entry nearest to desc if it lies within maxDistance.
func (s *Store) FindDuplicate(desc []float32, maxDistance float64) (*CacheEntry, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *CacheEntry
	bestDist := math.Inf(1)
	for _, e := range s.valuesLocked() {
		if e.Synced || len(e.Descriptor) == 0 {
			continue
		}
		d := descriptor.EuclideanDistance(desc, e.Descriptor)
		if d < bestDist {
			best, bestDist = e, d
		}
	}
	if best == nil || bestDist > maxDistance {
		return nil, bestDist, false
	}
	cp := *best
	return &cp, bestDist, true
}

// Prune removes synced entries and entries captured before now-maxAge.
// Pinned drafts are kept regardless of age. Returns the number of removed entries.
func (s *Store) Prune(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, id := range s.entries.Keys() {
		e, ok := s.entries.Peek(id)
		if !ok {
			continue
		}
		if e.Synced || (maxAge > 0 && e.CapturedAt.Before(cutoff)) {
			s.entries.Remove(id)
			removed++
		}
	}
	return removed
}

// EnqueueAttendance queues a log for the next sync.
func (s *Store) EnqueueAttendance(log database.AttendanceLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendance = append(s.attendance, log)
}

// DrainAttendance removes and returns all queued logs.
func (s *Store) DrainAttendance() []database.AttendanceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.attendance
	s.attendance = nil
	return out
}

// RequeueAttendance puts logs back in front of the queue after a failed push.
func (s *Store) RequeueAttendance(logs []database.AttendanceLog) {
	if len(logs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendance = append(append([]database.AttendanceLog{}, logs...), s.attendance...)
}

// QueuedAttendance returns a copy of the attendance queue.
func (s *Store) QueuedAttendance() []database.AttendanceLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]database.AttendanceLog, len(s.attendance))
	copy(out, s.attendance)
	return out
}

// RemapAttendance rewrites temp member IDs in the queue. Returns the number of rewritten logs.
func (s *Store) RemapAttendance(ids map[string]string) int {
	if len(ids) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.attendance {
		if remote, ok := ids[s.attendance[i].MemberID]; ok {
			s.attendance[i].MemberID = remote
			n++
		}
	}
	return n
}

// Stats returns counters describing the store.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StoreStats{
		Entries:    s.entries.Len() + len(s.pinned),
		Pinned:     len(s.pinned),
		Attendance: len(s.attendance),
		Evicted:    int(s.evicted.Load()),
		Capacity:   s.capacity,
	}
	for _, e := range s.valuesLocked() {
		if !e.Synced {
			st.Pending++
			if e.Draft != nil {
				st.Drafts++
			}
		}
	}
	return st
}

// Save writes a gob snapshot of entries and queued attendance to path.
func (s *Store) Save(path string) error {
	s.mu.Lock()
	snap := storeSnapshot{Version: storeSnapshotVersion}
	for _, e := range s.valuesLocked() {
		snap.Entries = append(snap.Entries, *e)
	}
	snap.Attendance = append(snap.Attendance, s.attendance...)
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write store snapshot: %w", err)
	}
	return nil
}

// Load replaces the content with a snapshot written by Save. A missing file is not an error.
func (s *Store) Load(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read store snapshot: %w", err)
	}

	var snap storeSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode store snapshot: %w", err)
	}
	if snap.Version != storeSnapshotVersion {
		return fmt.Errorf("unsupported store snapshot version %d", snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
	s.pinned = make(map[string]*CacheEntry)
	s.evicted.Store(0)
	for i := range snap.Entries {
		e := snap.Entries[i]
		s.placeLocked(&e)
	}
	s.attendance = snap.Attendance
	return nil
}
