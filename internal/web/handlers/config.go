package handlers

import (
	"net/http"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/database"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	app *app.App
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(a *app.App) *ConfigHandler {
	return &ConfigHandler{app: a}
}

// ConfigResponse represents the configuration response
type ConfigResponse struct {
	OrganizationID       string  `json:"organization_id"`
	DatabaseConfigured   bool    `json:"database_configured"`
	Online               bool    `json:"online"`
	DescriptorDim        int     `json:"descriptor_dim"`
	MinMatchSimilarity   float64 `json:"min_match_similarity"`
	AutoAttendSimilarity float64 `json:"auto_attend_similarity"`
	DuplicateDistance    float64 `json:"duplicate_distance"`
	IndexThreshold       int     `json:"index_threshold"`
	CooldownSeconds      float64 `json:"attendance_cooldown_seconds"`
	DeniedDisplayMillis  int64   `json:"denied_display_ms"`
	ConfirmDisplayMillis int64   `json:"confirm_display_ms"`
	GrantedDisplayMillis int64   `json:"granted_display_ms"`
	SyncSchedule         string  `json:"sync_schedule"`
	RedisEnabled         bool    `json:"redis_enabled"`
	CameraConfigured     bool    `json:"camera_configured"`
}

// Get returns the effective configuration without secrets
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg := h.app.Config
	matching := cfg.Thresholds.Matching
	attendance := cfg.Thresholds.Attendance

	respondJSON(w, http.StatusOK, ConfigResponse{
		OrganizationID:       cfg.Organization,
		DatabaseConfigured:   database.IsInitialized(),
		Online:               h.app.Online(),
		DescriptorDim:        cfg.Descriptor.Dim,
		MinMatchSimilarity:   matching.MinMatchSimilarity,
		AutoAttendSimilarity: matching.AutoAttendSimilarity,
		DuplicateDistance:    matching.DuplicateDistance,
		IndexThreshold:       matching.IndexThreshold,
		CooldownSeconds:      attendance.Cooldown.Seconds(),
		DeniedDisplayMillis:  attendance.DeniedDisplay.Milliseconds(),
		ConfirmDisplayMillis: attendance.ConfirmDisplay.Milliseconds(),
		GrantedDisplayMillis: attendance.GrantedDisplay.Milliseconds(),
		SyncSchedule:         cfg.Sync.Schedule,
		RedisEnabled:         cfg.Redis.URL != "",
		CameraConfigured:     cfg.Camera.SnapshotURL != "",
	})
}
