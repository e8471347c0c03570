package database

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	MemberCount int       `json:"member_count"`
	BuildTime   time.Time `json:"build_time"`
	Version     int       `json:"version"`
}

const hnswMetadataVersion = 1

// MemberIndex wraps an HNSW graph over member descriptors using Euclidean distance.
type MemberIndex struct {
	graph *hnsw.Graph[string]
	count int
	mu    sync.RWMutex
}

// NewMemberIndex creates a new empty index.
func NewMemberIndex() *MemberIndex {
	return &MemberIndex{}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Build replaces the index content with the given members. Members without
// a descriptor are skipped.
func (h *MemberIndex) Build(members []Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g := newGraph()
	count := 0
	for i := range members {
		if !members[i].HasDescriptor() {
			continue
		}
		g.Add(hnsw.MakeNode(members[i].ID, members[i].Descriptor))
		count++
	}
	if count == 0 {
		h.graph = nil
		h.count = 0
		return
	}
	h.graph = g
	h.count = count
}

// Add inserts or replaces a single member.
func (h *MemberIndex) Add(m *Member) {
	if !m.HasDescriptor() {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.graph == nil {
		h.graph = newGraph()
	}
	if h.graph.Delete(m.ID) {
		h.count--
	}
	h.graph.Add(hnsw.MakeNode(m.ID, m.Descriptor))
	h.count++
}

// Remove deletes a member from the index.
func (h *MemberIndex) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.graph != nil && h.graph.Delete(id) {
		h.count--
	}
}

// Search finds the k nearest members to the query descriptor.
// Returns member IDs and their Euclidean distances.
func (h *MemberIndex) Search(query []float32, k int) ([]string, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, nil, errors.New("index not initialized")
	}

	neighbors := h.graph.Search(query, k)
	ids := make([]string, len(neighbors))
	distances := make([]float64, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.Key
		distances[i] = float64(hnsw.EuclideanDistance(query, n.Value))
	}
	return ids, distances, nil
}

// Count returns the number of indexed members.
func (h *MemberIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *MemberIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil
}

// Save persists the graph to path and its metadata to path.meta.
func (h *MemberIndex) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		return nil
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	tmp := f.Name()
	w := bufio.NewWriter(f)
	if err := h.graph.Export(w); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to flush HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close HNSW index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move HNSW index file: %w", err)
	}

	metaData, err := json.Marshal(HNSWIndexMetadata{
		MemberCount: h.count,
		BuildTime:   time.Now(),
		Version:     hnswMetadataVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	return nil
}

// Load restores a graph saved with Save. It fails when the metadata does not
// report expectedCount members, so callers can rebuild a stale index.
func (h *MemberIndex) Load(path string, expectedCount int) error {
	metadata, err := LoadHNSWMetadata(path)
	if err != nil {
		return err
	}
	if metadata.Version != hnswMetadataVersion {
		return fmt.Errorf("unsupported HNSW metadata version %d", metadata.Version)
	}
	if metadata.MemberCount != expectedCount {
		return fmt.Errorf("stale HNSW index: %d members indexed, %d expected", metadata.MemberCount, expectedCount)
	}

	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to open HNSW index: %w", err)
	}
	defer f.Close()

	g := newGraph()
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("failed to import HNSW index: %w", err)
	}

	h.mu.Lock()
	h.graph = g
	h.count = metadata.MemberCount
	h.mu.Unlock()
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}

	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}
