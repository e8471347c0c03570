package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/member-check/internal/logging"
)

type staticSource []byte

func (s staticSource) Frame(ctx context.Context) ([]byte, error) { return s, nil }

func TestPoller_SkipsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	scan := func(ctx context.Context, frame []byte) error {
		started <- struct{}{}
		<-release
		return nil
	}
	p := NewPoller(staticSource("f"), scan, time.Hour, time.Minute, logging.Discard())
	ctx := context.Background()

	if !p.Tick(ctx) {
		t.Fatal("first tick must start a scan")
	}
	<-started
	if p.Tick(ctx) {
		t.Error("second tick must be skipped while busy")
	}
	close(release)
	p.Wait()

	if !p.Tick(ctx) {
		t.Error("tick after completion must start a scan")
	}
	<-started
	p.Wait()

	st := p.Stats()
	if st.Sampled != 2 || st.SkippedBusy != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPoller_TimeoutReleasesSlot(t *testing.T) {
	scan := func(ctx context.Context, frame []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}
	p := NewPoller(staticSource("f"), scan, time.Hour, 20*time.Millisecond, logging.Discard())

	p.Tick(context.Background())
	p.Wait()

	if st := p.Stats(); st.TimedOut != 1 {
		t.Errorf("expected 1 timeout, got %+v", st)
	}
	if !p.Tick(context.Background()) {
		t.Error("slot must be free after a timed out scan")
	}
	p.Wait()
}

func TestPoller_CountsFailures(t *testing.T) {
	scan := func(ctx context.Context, frame []byte) error { return errors.New("no face") }
	p := NewPoller(staticSource("f"), scan, time.Hour, time.Second, logging.Discard())
	p.Tick(context.Background())
	p.Wait()
	if st := p.Stats(); st.Failed != 1 {
		t.Errorf("expected 1 failure, got %+v", st)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	var scans atomic.Int64
	scan := func(ctx context.Context, frame []byte) error {
		scans.Add(1)
		return nil
	}
	p := NewPoller(staticSource("f"), scan, 5*time.Millisecond, time.Second, logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if err := p.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if scans.Load() == 0 {
		t.Error("expected at least one scan")
	}
}

func TestPoller_SkipUnchanged(t *testing.T) {
	source := &switchingSource{frame: encodeFrame(t, color.Gray{Y: 40}, color.Gray{Y: 200})}
	var scans atomic.Int64
	scan := func(ctx context.Context, frame []byte) error {
		scans.Add(1)
		return nil
	}
	p := NewPoller(source, scan, time.Hour, time.Second, logging.Discard())
	p.SkipUnchanged(4)
	ctx := context.Background()

	for range 3 {
		p.Tick(ctx)
		p.Wait()
	}
	if scans.Load() != 1 {
		t.Fatalf("expected identical frames to be scanned once, got %d", scans.Load())
	}

	source.frame = encodeFrame(t, color.Gray{Y: 200}, color.Gray{Y: 40})
	p.Tick(ctx)
	p.Wait()
	if scans.Load() != 2 {
		t.Errorf("expected changed frame to be scanned, got %d scans", scans.Load())
	}

	st := p.Stats()
	if st.Sampled != 4 || st.Unchanged != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestPoller_TimedOutFrameIsRescanned(t *testing.T) {
	frame := encodeFrame(t, color.Gray{Y: 40}, color.Gray{Y: 200})
	var calls atomic.Int64
	scan := func(ctx context.Context, frame []byte) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	p := NewPoller(staticSource(frame), scan, time.Hour, 20*time.Millisecond, logging.Discard())
	p.SkipUnchanged(4)

	p.Tick(context.Background())
	p.Wait()
	p.Tick(context.Background())
	p.Wait()

	if calls.Load() != 2 {
		t.Errorf("frame whose scan timed out must be scanned again, got %d calls", calls.Load())
	}
}

type switchingSource struct {
	frame []byte
}

func (s *switchingSource) Frame(ctx context.Context) ([]byte, error) { return s.frame, nil }

// encodeFrame renders a PNG with a left and a right half.
func encodeFrame(t *testing.T, left, right color.Color) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for x := range 64 {
		for y := range 48 {
			if x < 32 {
				img.Set(x, y, left)
			} else {
				img.Set(x, y, right)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSnapshotSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("frame"))
	}))
	defer server.Close()

	data, err := NewSnapshotSource(server.URL + "/snap.jpg").Frame(context.Background())
	if err != nil || string(data) != "frame" {
		t.Errorf("unexpected frame %q, %v", data, err)
	}
	if _, err := NewSnapshotSource(server.URL + "/broken").Frame(context.Background()); err == nil {
		t.Error("expected error for 503")
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(path, []byte("jpeg"), 0600); err != nil {
		t.Fatal(err)
	}
	data, err := FileSource{Path: path}.Frame(context.Background())
	if err != nil || string(data) != "jpeg" {
		t.Errorf("unexpected frame %q, %v", data, err)
	}
	if _, err := (FileSource{Path: path + ".missing"}).Frame(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}
