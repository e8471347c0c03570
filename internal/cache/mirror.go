// Package cache holds the kiosk's local state: a mirror of the remote member
// table used for matching, and a bounded store of pending entries and
// attendance waiting for the next sync.
package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kozaktomas/member-check/internal/constants"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/facematch"
)

const mirrorSnapshotVersion = 1

// Mirror is an in-memory snapshot of one organization's members.
// Small sets are scanned linearly; once the number of members with a
// descriptor reaches indexThreshold an HNSW index answers Nearest.
type Mirror struct {
	mu             sync.RWMutex
	organizationID string
	byID           map[string]*database.Member
	byName         map[string][]string // normalized name -> member IDs
	index          *database.MemberIndex
	indexThreshold int
	indexed        bool
	syncedAt       time.Time
}

// mirrorSnapshot is the gob-encoded on-disk form of a Mirror.
type mirrorSnapshot struct {
	Version        int
	OrganizationID string
	SyncedAt       time.Time
	Members        []database.Member
}

// NewMirror creates an empty mirror. indexThreshold <= 0 disables the index.
func NewMirror(organizationID string, indexThreshold int) *Mirror {
	return &Mirror{
		organizationID: organizationID,
		byID:           make(map[string]*database.Member),
		byName:         make(map[string][]string),
		index:          database.NewMemberIndex(),
		indexThreshold: indexThreshold,
	}
}

// OrganizationID returns the organization the mirror belongs to.
func (m *Mirror) OrganizationID() string {
	return m.organizationID
}

// Replace swaps the whole content, typically after pulling from the remote table.
func (m *Mirror) Replace(members []database.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID = make(map[string]*database.Member, len(members))
	m.byName = make(map[string][]string, len(members))
	for i := range members {
		if members[i].OrganizationID != "" && members[i].OrganizationID != m.organizationID {
			continue
		}
		m.putLocked(members[i])
	}
	m.syncedAt = time.Now()
	m.rebuildIndexLocked()
}

// Upsert inserts or replaces a single member.
func (m *Mirror) Upsert(member database.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[member.ID]; exists {
		m.removeLocked(member.ID)
	}
	m.putLocked(member)
	if m.indexed {
		stored := m.byID[member.ID]
		if stored.HasDescriptor() {
			m.index.Add(stored)
		}
		return
	}
	if m.indexThreshold > 0 && m.descriptorCountLocked() >= m.indexThreshold {
		m.rebuildIndexLocked()
	}
}

// Remove deletes a member. Returns false when it was not mirrored.
func (m *Mirror) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return false
	}
	m.removeLocked(id)
	return true
}

// Get returns a copy of a member by ID.
func (m *Mirror) Get(id string) (*database.Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	cp := *member
	return &cp, true
}

// FindByName returns members whose normalized name equals the normalized query.
func (m *Mirror) FindByName(name string) []database.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byName[facematch.NormalizeName(name)]
	out := make([]database.Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.byID[id])
	}
	return out
}

// Candidates returns a copy of all mirrored members ordered by ID.
func (m *Mirror) Candidates() []database.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]database.Member, 0, len(m.byID))
	for _, member := range m.byID {
		out = append(out, *member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of mirrored members.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Indexed reports whether Nearest is served by the HNSW index.
func (m *Mirror) Indexed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexed
}

// SyncedAt returns when the mirror was last replaced from the remote table.
func (m *Mirror) SyncedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncedAt
}

// Nearest returns the member closest to the descriptor and its Euclidean distance.
// Index candidates are re-scored exactly so both paths agree on distance and ties.
func (m *Mirror) Nearest(desc []float32) (*database.Member, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.indexed {
		ids, _, err := m.index.Search(desc, constants.ANNCandidates)
		if err == nil && len(ids) > 0 {
			candidates := make([]database.Member, 0, len(ids))
			for _, id := range ids {
				if member, ok := m.byID[id]; ok {
					candidates = append(candidates, *member)
				}
			}
			if best, dist := facematch.Nearest(desc, candidates); best != nil {
				return best, dist
			}
		}
	}

	all := make([]database.Member, 0, len(m.byID))
	for _, member := range m.byID {
		all = append(all, *member)
	}
	return facematch.Nearest(desc, all)
}

func (m *Mirror) putLocked(member database.Member) {
	cp := member
	m.byID[cp.ID] = &cp
	key := facematch.NormalizeName(cp.Name)
	if key != "" {
		m.byName[key] = append(m.byName[key], cp.ID)
	}
}

func (m *Mirror) removeLocked(id string) {
	member := m.byID[id]
	delete(m.byID, id)
	key := facematch.NormalizeName(member.Name)
	ids := m.byName[key]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.byName, key)
	} else {
		m.byName[key] = ids
	}
	if m.indexed {
		m.index.Remove(id)
	}
}

func (m *Mirror) descriptorCountLocked() int {
	n := 0
	for _, member := range m.byID {
		if member.HasDescriptor() {
			n++
		}
	}
	return n
}

func (m *Mirror) rebuildIndexLocked() {
	if m.indexThreshold <= 0 || m.descriptorCountLocked() < m.indexThreshold {
		m.index.Build(nil)
		m.indexed = false
		return
	}
	members := make([]database.Member, 0, len(m.byID))
	for _, member := range m.byID {
		members = append(members, *member)
	}
	m.index.Build(members)
	m.indexed = true
}

// Save writes a gob snapshot to path. When the HNSW index is active it is
// saved alongside as path.hnsw so Load can skip rebuilding it.
func (m *Mirror) Save(path string) error {
	m.mu.RLock()
	snap := mirrorSnapshot{
		Version:        mirrorSnapshotVersion,
		OrganizationID: m.organizationID,
		SyncedAt:       m.syncedAt,
		Members:        make([]database.Member, 0, len(m.byID)),
	}
	for _, member := range m.byID {
		snap.Members = append(snap.Members, *member)
	}
	indexed := m.indexed
	count := m.index.Count()
	m.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("failed to encode mirror: %w", err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write mirror snapshot: %w", err)
	}

	if indexed && count > 0 {
		if err := m.index.Save(path + ".hnsw"); err != nil {
			return fmt.Errorf("failed to save mirror index: %w", err)
		}
	}
	return nil
}

// Load restores a snapshot written by Save. A missing file leaves the mirror empty.
func (m *Mirror) Load(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read mirror snapshot: %w", err)
	}

	var snap mirrorSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode mirror snapshot: %w", err)
	}
	if snap.Version != mirrorSnapshotVersion {
		return fmt.Errorf("unsupported mirror snapshot version %d", snap.Version)
	}
	if snap.OrganizationID != m.organizationID {
		return fmt.Errorf("mirror snapshot belongs to organization %q, expected %q", snap.OrganizationID, m.organizationID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID = make(map[string]*database.Member, len(snap.Members))
	m.byName = make(map[string][]string, len(snap.Members))
	for i := range snap.Members {
		m.putLocked(snap.Members[i])
	}
	m.syncedAt = snap.SyncedAt

	withDescriptor := m.descriptorCountLocked()
	if m.indexThreshold > 0 && withDescriptor >= m.indexThreshold {
		err := m.index.Load(path+".hnsw", withDescriptor)
		if err == nil {
			m.indexed = true
			return nil
		}
		logrus.WithError(err).Debug("mirror index not reusable, rebuilding")
	}
	m.rebuildIndexLocked()
	return nil
}

// writeFileAtomic writes data to a uniquely named temp file next to path and
// renames it into place, so concurrent writers never share a temp file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
