package database

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
)

func randomMembers(n, dim int, seed int64) []Member {
	r := rand.New(rand.NewSource(seed))
	members := make([]Member, n)
	for i := range members {
		d := make([]float32, dim)
		for j := range d {
			d[j] = r.Float32()
		}
		members[i] = Member{ID: fmt.Sprintf("m%03d", i), Name: fmt.Sprintf("Member %d", i), Descriptor: d}
	}
	return members
}

func TestMemberIndex_SearchFindsExactMatch(t *testing.T) {
	members := randomMembers(200, 16, 1)
	idx := NewMemberIndex()
	idx.Build(members)

	if idx.Count() != 200 {
		t.Fatalf("expected 200 indexed members, got %d", idx.Count())
	}

	target := members[42]
	ids, distances, err := idx.Search(target.Descriptor, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) == 0 || ids[0] != target.ID {
		t.Fatalf("expected %s first, got %v", target.ID, ids)
	}
	if distances[0] > 1e-6 {
		t.Errorf("expected zero distance for exact match, got %v", distances[0])
	}
}

func TestMemberIndex_SkipsMembersWithoutDescriptor(t *testing.T) {
	idx := NewMemberIndex()
	idx.Build([]Member{{ID: "a"}, {ID: "b"}})
	if !idx.IsEmpty() {
		t.Error("expected empty index")
	}
	if _, _, err := idx.Search([]float32{1}, 1); err == nil {
		t.Error("expected error searching empty index")
	}
}

func TestMemberIndex_AddAndRemove(t *testing.T) {
	members := randomMembers(10, 8, 2)
	idx := NewMemberIndex()
	idx.Build(members)

	// Replacing an existing member keeps the count stable.
	updated := members[3]
	idx.Add(&updated)
	if idx.Count() != 10 {
		t.Errorf("expected 10 after re-add, got %d", idx.Count())
	}

	idx.Remove(members[3].ID)
	if idx.Count() != 9 {
		t.Errorf("expected 9 after remove, got %d", idx.Count())
	}
	ids, _, err := idx.Search(members[3].Descriptor, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range ids {
		if id == members[3].ID {
			t.Error("removed member still returned by search")
		}
	}
}

func TestMemberIndex_SaveLoad(t *testing.T) {
	members := randomMembers(50, 8, 3)
	idx := NewMemberIndex()
	idx.Build(members)

	path := filepath.Join(t.TempDir(), "members.hnsw")
	if err := idx.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := NewMemberIndex()
	if err := loaded.Load(path, 50); err != nil {
		t.Fatalf("load: %v", err)
	}
	ids, _, err := loaded.Search(members[7].Descriptor, 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(ids) != 1 || ids[0] != members[7].ID {
		t.Errorf("expected %s, got %v", members[7].ID, ids)
	}

	if err := NewMemberIndex().Load(path, 51); err == nil {
		t.Error("expected stale index error")
	}
}

func TestParseMemberStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    MemberStatus
		wantErr bool
	}{
		{"", StatusAllowed, false},
		{"allowed", StatusAllowed, false},
		{"Banned", StatusBanned, false},
		{" VIP ", StatusVIP, false},
		{"guest", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMemberStatus(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseMemberStatus(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseMemberStatus(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
