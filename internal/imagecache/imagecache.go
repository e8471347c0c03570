// Package imagecache serves member photos from a tiered cache:
// memory, then Redis, then a disk directory, then the HTTP origin.
// A hit in a lower tier back-fills the tiers above it.
package imagecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kozaktomas/member-check/internal/logging"
)

// ErrMiss is returned when no tier holds the key and no origin was given.
var ErrMiss = errors.New("image not cached")

const defaultMaxImageBytes = 10 << 20

// Tier is a shared cache layer such as Redis.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, error) // ErrMiss when absent
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemberPhotoKey is the cache key of a member's photo.
func MemberPhotoKey(memberID string) string {
	return "member/" + memberID
}

// Options configure a Cache.
type Options struct {
	MemEntries    int           // capacity of the memory tier
	TTL           time.Duration // memory and remote tier TTL
	Dir           string        // disk tier, disabled when empty
	Remote        Tier          // optional shared tier
	HTTPClient    *http.Client  // origin client
	MaxImageBytes int64         // origin responses larger than this are rejected
}

// Stats counts where Get calls were answered.
type Stats struct {
	MemoryHits   int64 `json:"memory_hits"`
	RemoteHits   int64 `json:"remote_hits"`
	DiskHits     int64 `json:"disk_hits"`
	OriginFetch  int64 `json:"origin_fetches"`
	Misses       int64 `json:"misses"`
	MemoryLength int   `json:"memory_entries"`
}

// Cache is a tiered image cache. It is safe for concurrent use.
type Cache struct {
	mem      *expirable.LRU[string, []byte]
	remote   Tier
	dir      string
	ttl      time.Duration
	client   *http.Client
	maxBytes int64

	memHits, remoteHits, diskHits, originFetches, misses atomic.Int64
}

// New creates a cache, creating the disk directory when configured.
func New(opts Options) (*Cache, error) {
	if opts.MemEntries <= 0 {
		opts.MemEntries = 128
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = defaultMaxImageBytes
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create image cache directory: %w", err)
		}
	}
	return &Cache{
		mem:      expirable.NewLRU[string, []byte](opts.MemEntries, nil, opts.TTL),
		remote:   opts.Remote,
		dir:      opts.Dir,
		ttl:      opts.TTL,
		client:   opts.HTTPClient,
		maxBytes: opts.MaxImageBytes,
	}, nil
}

// Get returns the image for key, fetching originURL when every tier misses.
func (c *Cache) Get(ctx context.Context, key, originURL string) ([]byte, error) {
	log := logging.FromContext(ctx).WithField("key", key)

	if data, ok := c.mem.Get(key); ok {
		c.memHits.Add(1)
		return data, nil
	}

	if c.remote != nil {
		data, err := c.remote.Get(ctx, key)
		switch {
		case err == nil:
			c.remoteHits.Add(1)
			c.mem.Add(key, data)
			return data, nil
		case !errors.Is(err, ErrMiss):
			log.WithError(err).Warn("remote image tier failed")
		}
	}

	if data, err := c.readDisk(key); err == nil {
		c.diskHits.Add(1)
		c.mem.Add(key, data)
		c.setRemote(ctx, key, data)
		return data, nil
	}

	if originURL == "" {
		c.misses.Add(1)
		return nil, ErrMiss
	}

	data, err := c.fetch(ctx, originURL)
	if err != nil {
		c.misses.Add(1)
		return nil, err
	}
	c.originFetches.Add(1)
	if err := c.Put(ctx, key, data); err != nil {
		log.WithError(err).Warn("failed to store fetched image")
	}
	return data, nil
}

// Put stores data in every tier.
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	c.mem.Add(key, data)
	c.setRemote(ctx, key, data)
	return c.writeDisk(key, data)
}

// Invalidate removes key from every tier.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mem.Remove(key)
	var errs []error
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if c.dir != "" {
		if err := os.Remove(c.diskPath(key)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns hit counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:   c.memHits.Load(),
		RemoteHits:   c.remoteHits.Load(),
		DiskHits:     c.diskHits.Load(),
		OriginFetch:  c.originFetches.Load(),
		Misses:       c.misses.Load(),
		MemoryLength: c.mem.Len(),
	}
}

func (c *Cache) setRemote(ctx context.Context, key string, data []byte) {
	if c.remote == nil {
		return
	}
	if err := c.remote.Set(ctx, key, data, c.ttl); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("key", key).Warn("remote image tier write failed")
	}
}

func (c *Cache) diskPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.dir, name[:2], name)
}

func (c *Cache) readDisk(key string) ([]byte, error) {
	if c.dir == "" {
		return nil, ErrMiss
	}
	return os.ReadFile(c.diskPath(key))
}

func (c *Cache) writeDisk(key string, data []byte) error {
	if c.dir == "" {
		return nil
	}
	path := c.diskPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create cache shard: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp image: %w", err)
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write cached image: %w", werr)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move cached image: %w", err)
	}
	return nil
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", c.maxBytes)
	}
	return data, nil
}
