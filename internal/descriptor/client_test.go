package descriptor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func descriptorOf(dim int, v float32) []float32 {
	d := make([]float32, dim)
	for i := range d {
		d[i] = v
	}
	return d
}

func newFaceServer(t *testing.T, status int, resp any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("expected multipart file: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if len(data) == 0 {
				t.Error("expected non-empty upload")
			}
			if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
				t.Errorf("expected image/jpeg part, got %q", ct)
			}
		}
		w.WriteHeader(status)
		if s, ok := resp.(string); ok {
			_, _ = w.Write([]byte(s))
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0, 1, 2, 3}

func TestClient_Describe_PicksMostProminentFace(t *testing.T) {
	server := newFaceServer(t, http.StatusOK, FaceResponse{
		FacesCount: 2,
		Faces: []Face{
			{Index: 0, Dim: 4, Descriptor: descriptorOf(4, 0.1), BBox: []float64{0, 0, 10, 10}, DetScore: 0.99},
			{Index: 1, Dim: 4, Descriptor: descriptorOf(4, 0.2), BBox: []float64{0, 0, 100, 100}, DetScore: 0.9},
		},
	})
	defer server.Close()

	client := NewClient(server.URL+"/", 4)
	face, err := client.Describe(context.Background(), jpegMagic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if face.Index != 1 {
		t.Errorf("expected face 1 (larger box), got %d", face.Index)
	}
}

func TestClient_Describe_NoFace(t *testing.T) {
	server := newFaceServer(t, http.StatusOK, FaceResponse{})
	defer server.Close()

	_, err := NewClient(server.URL, 4).Describe(context.Background(), jpegMagic)
	if !errors.Is(err, ErrNoFace) {
		t.Errorf("expected ErrNoFace, got %v", err)
	}
}

func TestClient_Detect_DimensionMismatch(t *testing.T) {
	server := newFaceServer(t, http.StatusOK, FaceResponse{
		FacesCount: 1,
		Faces:      []Face{{Descriptor: descriptorOf(3, 0.1), DetScore: 1}},
	})
	defer server.Close()

	_, err := NewClient(server.URL, 128).Detect(context.Background(), jpegMagic)
	if err == nil || !strings.Contains(err.Error(), "expected 128") {
		t.Errorf("expected dimension error, got %v", err)
	}
}

func TestClient_Detect_ServerError(t *testing.T) {
	server := newFaceServer(t, http.StatusInternalServerError, "model not loaded")
	defer server.Close()

	_, err := NewClient(server.URL, 0).Detect(context.Background(), jpegMagic)
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestClient_Detect_ContextCanceled(t *testing.T) {
	server := newFaceServer(t, http.StatusOK, FaceResponse{})
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewClient(server.URL, 0).Detect(ctx, jpegMagic); err == nil {
		t.Error("expected error for canceled context")
	}
}

func TestBestFace_Empty(t *testing.T) {
	if BestFace(nil) != nil {
		t.Error("expected nil for no faces")
	}
}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", jpegMagic, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"short", []byte{0xFF}, "application/octet-stream"},
		{"unknown", []byte("plain text data"), "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectMIMEType(tt.data); got != tt.want {
				t.Errorf("DetectMIMEType() = %q, want %q", got, tt.want)
			}
		})
	}
}
