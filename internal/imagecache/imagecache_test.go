package imagecache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTier struct {
	mu      sync.Mutex
	data    map[string][]byte
	failGet error
}

func newFakeTier() *fakeTier { return &fakeTier{data: make(map[string][]byte)} }

func (f *fakeTier) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	d, ok := f.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return d, nil
}

func (f *fakeTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	return nil
}

func (f *fakeTier) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeTier) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func newOrigin(t *testing.T, body string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCache_OriginThenMemory(t *testing.T) {
	var hits atomic.Int64
	origin := newOrigin(t, "jpeg-bytes", &hits)
	remote := newFakeTier()
	c, err := New(Options{MemEntries: 4, Dir: t.TempDir(), Remote: remote})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	data, err := c.Get(ctx, "member-1", origin.URL+"/photo.jpg")
	if err != nil || string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected first get %q, %v", data, err)
	}
	if !remote.has("member-1") {
		t.Error("expected remote tier to be filled")
	}

	data, err = c.Get(ctx, "member-1", origin.URL+"/photo.jpg")
	if err != nil || string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected second get %q, %v", data, err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 origin hit, got %d", hits.Load())
	}
	st := c.Stats()
	if st.OriginFetch != 1 || st.MemoryHits != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestCache_DiskBackfillsUpperTiers(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, _ := New(Options{Dir: dir})
	if err := first.Put(ctx, "k", []byte("from-disk")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	remote := newFakeTier()
	second, _ := New(Options{Dir: dir, Remote: remote})
	data, err := second.Get(ctx, "k", "")
	if err != nil || string(data) != "from-disk" {
		t.Fatalf("unexpected get %q, %v", data, err)
	}
	if !remote.has("k") {
		t.Error("expected disk hit to back-fill remote tier")
	}
	if st := second.Stats(); st.DiskHits != 1 || st.MemoryLength != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestCache_RemoteFailureFallsThrough(t *testing.T) {
	var hits atomic.Int64
	origin := newOrigin(t, "ok", &hits)
	remote := newFakeTier()
	remote.failGet = errors.New("connection refused")
	c, _ := New(Options{Remote: remote})

	data, err := c.Get(context.Background(), "k", origin.URL)
	if err != nil || string(data) != "ok" {
		t.Errorf("expected origin fallback, got %q, %v", data, err)
	}
}

func TestCache_MissWithoutOrigin(t *testing.T) {
	c, _ := New(Options{})
	if _, err := c.Get(context.Background(), "nope", ""); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
}

func TestCache_OriginErrors(t *testing.T) {
	var hits atomic.Int64
	origin := newOrigin(t, "0123456789", &hits)

	c, _ := New(Options{})
	if _, err := c.Get(context.Background(), "a", origin.URL+"/missing"); err == nil {
		t.Error("expected error for 404 origin")
	}

	small, _ := New(Options{MaxImageBytes: 5})
	if _, err := small.Get(context.Background(), "b", origin.URL); err == nil {
		t.Error("expected size limit error")
	}
}

func TestCache_Invalidate(t *testing.T) {
	remote := newFakeTier()
	c, _ := New(Options{Dir: t.TempDir(), Remote: remote})
	ctx := context.Background()
	_ = c.Put(ctx, "k", []byte("v"))

	if err := c.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if remote.has("k") {
		t.Error("expected remote entry removed")
	}
	if _, err := c.Get(ctx, "k", ""); !errors.Is(err, ErrMiss) {
		t.Errorf("expected miss after invalidate, got %v", err)
	}
}

func TestCache_ConcurrentPutSameKey(t *testing.T) {
	dir := t.TempDir()
	c, _ := New(Options{Dir: dir})
	ctx := context.Background()

	payloads := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}
	var wg sync.WaitGroup
	errs := make(chan error, len(payloads)*10)
	for i := 0; i < 10; i++ {
		for _, p := range payloads {
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				if err := c.Put(ctx, "photo", []byte(p)); err != nil {
					errs <- err
				}
			}(p)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Put: %v", err)
	}

	fresh, _ := New(Options{Dir: dir})
	data, err := fresh.Get(ctx, "photo", "")
	if err != nil {
		t.Fatalf("Get after concurrent puts: %v", err)
	}
	valid := false
	for _, p := range payloads {
		if string(data) == p {
			valid = true
		}
	}
	if !valid {
		t.Errorf("disk holds torn image %q", data)
	}

	var leftovers []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.HasSuffix(path, ".tmp") {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}
