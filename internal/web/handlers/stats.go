package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/imagecache"
	"github.com/kozaktomas/member-check/internal/logging"
	"github.com/kozaktomas/member-check/internal/syncer"
)

const statsCacheTTL = 30 * time.Second

// statsCache holds cached remote counts with expiry
type statsCache struct {
	mu        sync.RWMutex
	data      *remoteStats
	expiresAt time.Time
}

func (c *statsCache) get() (*remoteStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.data, true
}

func (c *statsCache) set(data *remoteStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.expiresAt = time.Now().Add(statsCacheTTL)
}

func (c *statsCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
}

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	app   *app.App
	cache statsCache
	now   func() time.Time
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(a *app.App) *StatsHandler {
	return &StatsHandler{app: a, now: time.Now}
}

// InvalidateCache clears the cached counts so the next request fetches fresh data
func (h *StatsHandler) InvalidateCache() {
	h.cache.invalidate()
}

type remoteStats struct {
	Members         int `json:"members"`
	Banned          int `json:"banned"`
	AttendanceToday int `json:"attendance_today"`
}

// MirrorStats describes the local member mirror
type MirrorStats struct {
	Members  int        `json:"members"`
	Indexed  bool       `json:"indexed"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// StatsResponse represents the statistics response
type StatsResponse struct {
	Remote   *remoteStats     `json:"remote,omitempty"`
	Mirror   MirrorStats      `json:"mirror"`
	Store    cache.StoreStats `json:"store"`
	Images   imagecache.Stats `json:"images"`
	Syncing  bool             `json:"syncing"`
	LastSync *syncer.Result   `json:"last_sync,omitempty"`
}

// fetchRemoteStats counts members and today's attendance in PostgreSQL
func (h *StatsHandler) fetchRemoteStats(ctx context.Context) (*remoteStats, error) {
	members, err := database.GetMemberReader(ctx)
	if err != nil {
		return nil, err
	}
	attendance, err := database.GetAttendanceWriter(ctx)
	if err != nil {
		return nil, err
	}

	org := h.app.Config.Organization
	var stats remoteStats
	if stats.Members, err = members.Count(ctx, database.MemberFilter{OrganizationID: org}); err != nil {
		return nil, err
	}
	if stats.Banned, err = members.Count(ctx, database.MemberFilter{OrganizationID: org, Status: database.StatusBanned}); err != nil {
		return nil, err
	}
	now := h.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if stats.AttendanceToday, err = attendance.CountSince(ctx, org, midnight); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Get returns statistics about members, attendance and local caches
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Mirror: MirrorStats{
			Members: h.app.Mirror.Len(),
			Indexed: h.app.Mirror.Indexed(),
		},
		Store:  h.app.Store.Stats(),
		Images: h.app.Photos.Stats(),
	}
	if t := h.app.Mirror.SyncedAt(); !t.IsZero() {
		resp.Mirror.SyncedAt = &t
	}
	if h.app.Syncer != nil {
		resp.Syncing = h.app.Syncer.Running()
		resp.LastSync = h.app.Syncer.LastResult()
	}

	if cached, ok := h.cache.get(); ok {
		resp.Remote = cached
	} else if database.IsInitialized() {
		remote, err := h.fetchRemoteStats(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("failed to fetch remote stats")
		} else {
			h.cache.set(remote)
			resp.Remote = remote
		}
	}

	respondJSON(w, http.StatusOK, resp)
}
