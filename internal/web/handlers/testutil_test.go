package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/member-check/internal/app"
	"github.com/kozaktomas/member-check/internal/cache"
	"github.com/kozaktomas/member-check/internal/checkin"
	"github.com/kozaktomas/member-check/internal/config"
	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/database/mock"
	"github.com/kozaktomas/member-check/internal/descriptor"
	"github.com/kozaktomas/member-check/internal/facematch"
	"github.com/kozaktomas/member-check/internal/imagecache"
	"github.com/kozaktomas/member-check/internal/logging"
	"github.com/kozaktomas/member-check/internal/syncer"
	"github.com/kozaktomas/member-check/internal/web/middleware"
)

const testOrg = "org-1"

var errDatabaseDown = errors.New("connection refused")

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Organization: testOrg,
		Descriptor:   config.DescriptorConfig{Dim: 3, MaxImageSize: 640},
		Camera:       config.CameraConfig{ScanTimeout: 5 * time.Second},
		Sync:         config.SyncConfig{Schedule: "@every 1m", Concurrency: 2, MaxRetries: 1},
		Thresholds: config.ThresholdsConfig{
			Matching: config.MatchingThresholds{
				MinMatchSimilarity:   facematch.DefaultThresholds.MinMatchSimilarity,
				AutoAttendSimilarity: facematch.DefaultThresholds.AutoAttendSimilarity,
				DuplicateDistance:    facematch.DefaultThresholds.DuplicateDistance,
			},
			Attendance: config.AttendanceThresholds{
				Cooldown:       5 * time.Minute,
				DeniedDisplay:  5 * time.Second,
				ConfirmDisplay: 3 * time.Second,
				GrantedDisplay: 2 * time.Second,
			},
		},
	}
}

type fakeExtractor struct {
	desc []float32
	err  error
}

func (f *fakeExtractor) Describe(ctx context.Context, img []byte) (*descriptor.Face, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &descriptor.Face{Dim: len(f.desc), Descriptor: f.desc, DetScore: 0.9}, nil
}

// testEnv wires an App against in-memory mocks.
type testEnv struct {
	app        *app.App
	extractor  *fakeExtractor
	members    *mock.MockMemberStore
	attendance *mock.MockAttendanceStore
	operators  *mock.MockOperatorStore
	sessions   *mock.MockSessionStore
}

// newTestEnv registers mock backends and builds an App. Tests using it must
// not run in parallel since the backend registry is global.
func newTestEnv(t *testing.T, members ...database.Member) *testEnv {
	t.Helper()
	env := &testEnv{
		extractor:  &fakeExtractor{desc: []float32{0, 0, 0}},
		members:    mock.NewMockMemberStore(),
		attendance: mock.NewMockAttendanceStore(),
		operators:  mock.NewMockOperatorStore(),
		sessions:   mock.NewMockSessionStore(),
	}
	database.RegisterPostgresBackend(
		func() database.MemberWriter { return env.members },
		func() database.AttendanceWriter { return env.attendance },
		func() database.OperatorStore { return env.operators },
		func() database.SessionStore { return env.sessions },
	)
	for _, m := range members {
		env.members.AddMember(m)
	}

	cfg := testConfig()
	store, err := cache.NewStore(50)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	mirror := cache.NewMirror(testOrg, 0)
	mirror.Replace(members)
	photos, err := imagecache.New(imagecache.Options{MemEntries: 10, TTL: time.Minute})
	if err != nil {
		t.Fatalf("imagecache.New: %v", err)
	}

	svc := checkin.NewService(env.extractor, mirror, store, env.members, env.attendance, photos, checkin.Config{
		OrganizationID: testOrg,
		Thresholds:     app.Thresholds(cfg),
		Cooldown:       cfg.Thresholds.Attendance.Cooldown,
		MaxImageSize:   cfg.Descriptor.MaxImageSize,
		DeniedDisplay:  cfg.Thresholds.Attendance.DeniedDisplay,
		ConfirmDisplay: cfg.Thresholds.Attendance.ConfirmDisplay,
		GrantedDisplay: cfg.Thresholds.Attendance.GrantedDisplay,
	})
	sy := syncer.New(env.members, env.attendance, mirror, store, photos, syncer.Options{
		OrganizationID:    testOrg,
		Concurrency:       cfg.Sync.Concurrency,
		MaxRetries:        cfg.Sync.MaxRetries,
		DuplicateDistance: cfg.Thresholds.Matching.DuplicateDistance,
		CacheMaxAge:       time.Hour,
	})
	sy.SetBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })

	env.app = &app.App{
		Config:     cfg,
		Logger:     logging.Discard(),
		Mirror:     mirror,
		Store:      store,
		Photos:     photos,
		Checkin:    svc,
		Syncer:     sy,
		Members:    env.members,
		Attendance: env.attendance,
	}
	return env
}

func testMember(id, name string, status database.MemberStatus, desc ...float32) database.Member {
	return database.Member{ID: id, OrganizationID: testOrg, Name: name, Status: status, Descriptor: desc}
}

// testSessionManager creates a session manager without persistence
func testSessionManager(t *testing.T) *middleware.SessionManager {
	t.Helper()
	sm := middleware.NewSessionManager("test-secret", nil)
	t.Cleanup(sm.Stop)
	return sm
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// multipartRequest creates a multipart request with one file field and text fields
func multipartRequest(t *testing.T, path, field string, file []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile(field, "frame.png")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(file)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// testImage returns a small PNG
func testImage() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := range 16 {
		for x := range 16 {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 32, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// parseJSONResponse parses the JSON response body into the target
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
