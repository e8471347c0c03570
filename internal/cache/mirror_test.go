package cache

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kozaktomas/member-check/internal/database"
)

func testMembers(n, dim int, seed int64) []database.Member {
	r := rand.New(rand.NewSource(seed))
	out := make([]database.Member, n)
	for i := range out {
		d := make([]float32, dim)
		for j := range d {
			d[j] = r.Float32()
		}
		out[i] = database.Member{
			ID:             fmt.Sprintf("m%04d", i),
			OrganizationID: "org",
			Name:           fmt.Sprintf("Member %d", i),
			Status:         database.StatusAllowed,
			Descriptor:     d,
		}
	}
	return out
}

func TestMirror_ReplaceAndLookups(t *testing.T) {
	m := NewMirror("org", 0)
	m.Replace([]database.Member{
		{ID: "1", OrganizationID: "org", Name: "Jan Novák"},
		{ID: "2", OrganizationID: "org", Name: "jan-novak"},
		{ID: "3", OrganizationID: "other", Name: "Foreign"},
	})

	if m.Len() != 2 {
		t.Fatalf("expected 2 members (foreign org skipped), got %d", m.Len())
	}
	if got := m.FindByName("JAN NOVAK"); len(got) != 2 {
		t.Errorf("expected 2 name matches, got %d", len(got))
	}
	if _, ok := m.Get("3"); ok {
		t.Error("foreign member must not be mirrored")
	}
	if m.SyncedAt().IsZero() {
		t.Error("expected sync time to be set")
	}
}

func TestMirror_UpsertRemove(t *testing.T) {
	m := NewMirror("org", 0)
	m.Upsert(database.Member{ID: "1", Name: "Old Name"})
	m.Upsert(database.Member{ID: "1", Name: "New Name"})

	if len(m.FindByName("old name")) != 0 {
		t.Error("stale name index entry")
	}
	if len(m.FindByName("new name")) != 1 {
		t.Error("expected new name indexed")
	}
	if !m.Remove("1") || m.Remove("1") {
		t.Error("expected first remove true, second false")
	}
}

func TestMirror_NearestLinear(t *testing.T) {
	members := testMembers(20, 8, 1)
	m := NewMirror("org", 0)
	m.Replace(members)

	best, dist := m.Nearest(members[5].Descriptor)
	if best == nil || best.ID != members[5].ID || dist != 0 {
		t.Errorf("expected exact match m0005, got %v at %v", best, dist)
	}
	if m.Indexed() {
		t.Error("index must be disabled with threshold 0")
	}
}

func TestMirror_NearestIndexedAgreesWithLinear(t *testing.T) {
	members := testMembers(300, 16, 2)
	indexed := NewMirror("org", 100)
	indexed.Replace(members)
	linear := NewMirror("org", 0)
	linear.Replace(members)

	if !indexed.Indexed() {
		t.Fatal("expected index to be active above threshold")
	}

	for _, i := range []int{0, 17, 150, 299} {
		a, _ := indexed.Nearest(members[i].Descriptor)
		b, _ := linear.Nearest(members[i].Descriptor)
		if a == nil || b == nil || a.ID != b.ID {
			t.Errorf("query %d: indexed %v, linear %v", i, a, b)
		}
	}
}

func TestMirror_UpsertCrossesThreshold(t *testing.T) {
	members := testMembers(5, 4, 3)
	m := NewMirror("org", 5)
	m.Replace(members[:4])
	if m.Indexed() {
		t.Fatal("index must be off below threshold")
	}
	m.Upsert(members[4])
	if !m.Indexed() {
		t.Error("index must switch on when threshold is reached")
	}
}

func TestMirror_SaveLoad(t *testing.T) {
	members := testMembers(120, 8, 4)
	m := NewMirror("org", 100)
	m.Replace(members)

	path := filepath.Join(t.TempDir(), "mirror.gob")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewMirror("org", 100)
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 120 || !loaded.Indexed() {
		t.Errorf("unexpected loaded mirror: len=%d indexed=%v", loaded.Len(), loaded.Indexed())
	}
	best, _ := loaded.Nearest(members[42].Descriptor)
	if best == nil || best.ID != members[42].ID {
		t.Errorf("expected m0042, got %v", best)
	}

	if err := NewMirror("other", 0).Load(path); err == nil {
		t.Error("expected organization mismatch error")
	}
}

func TestSnapshots_ConcurrentSaves(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror("org", 100)
	m.Replace(testMembers(120, 8, 5))
	s, err := NewStore(10)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Add(&CacheEntry{ID: "tmp-1", Draft: &Draft{Name: "Ivo"}})

	tests := []struct {
		name string
		path string
		save func(path string) error
	}{
		{"mirror", filepath.Join(dir, "mirror.gob"), m.Save},
		{"store", filepath.Join(dir, "store.gob"), s.Save},
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*len(tests)*8)
	for _, tt := range tests {
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := tt.save(tt.path); err != nil {
					errs <- fmt.Errorf("%s: %w", tt.name, err)
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent save: %v", err)
	}

	loaded := NewMirror("org", 100)
	if err := loaded.Load(tests[0].path); err != nil || loaded.Len() != 120 {
		t.Errorf("mirror after concurrent saves: len=%d err=%v", loaded.Len(), err)
	}
	restored, _ := NewStore(10)
	if err := restored.Load(tests[1].path); err != nil || len(restored.Drafts()) != 1 {
		t.Errorf("store after concurrent saves: drafts=%d err=%v", len(restored.Drafts()), err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
