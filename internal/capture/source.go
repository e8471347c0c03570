// Package capture samples camera frames and feeds them to a scan function
// without ever running two scans at once.
package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// FrameSource yields the current camera frame.
type FrameSource interface {
	Frame(ctx context.Context) ([]byte, error)
}

// SnapshotSource fetches JPEG snapshots from a camera's HTTP endpoint.
type SnapshotSource struct {
	url    string
	client *http.Client
}

// NewSnapshotSource creates a source for the given snapshot URL.
func NewSnapshotSource(url string) *SnapshotSource {
	return &SnapshotSource{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Frame downloads one snapshot.
func (s *SnapshotSource) Frame(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot request failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// FileSource reads the frame from a file on every call, which suits
// cameras that overwrite a file on disk and tests.
type FileSource struct {
	Path string
}

// Frame reads the file.
func (f FileSource) Frame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return data, nil
}
