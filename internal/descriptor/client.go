// Package descriptor talks to the external face-embedding service and
// provides the distance functions used to compare face descriptors.
package descriptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const (
	defaultServiceURL = "http://localhost:8000"
	defaultTimeout    = 30 * time.Second
)

// ErrNoFace is returned when the image contains no detectable face.
var ErrNoFace = errors.New("no face detected")

// Client computes face descriptors using the embedding service.
type Client struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewClient creates a new descriptor client. dim is the expected descriptor
// length; responses with a different length are rejected. Zero disables the check.
func NewClient(baseURL string, dim int) *Client {
	if baseURL == "" {
		baseURL = defaultServiceURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dim:     dim,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// postMultipartImage constructs a multipart form with the image data and posts it to the given endpoint.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", DetectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// Detect returns every face the service finds in the image.
func (c *Client) Detect(ctx context.Context, imageData []byte) (*FaceResponse, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	for i := range faceResp.Faces {
		f := &faceResp.Faces[i]
		if len(f.Descriptor) == 0 {
			return nil, fmt.Errorf("face %d: empty descriptor returned", f.Index)
		}
		if c.dim > 0 && len(f.Descriptor) != c.dim {
			return nil, fmt.Errorf("face %d: descriptor has %d dimensions, expected %d", f.Index, len(f.Descriptor), c.dim)
		}
	}

	return &faceResp, nil
}

// Describe detects faces and returns the most prominent one.
func (c *Client) Describe(ctx context.Context, imageData []byte) (*Face, error) {
	resp, err := c.Detect(ctx, imageData)
	if err != nil {
		return nil, err
	}
	best := BestFace(resp.Faces)
	if best == nil {
		return nil, ErrNoFace
	}
	return best, nil
}

// BestFace picks the face with the highest detection score weighted by
// bounding box area, so the person closest to the camera wins.
func BestFace(faces []Face) *Face {
	var best *Face
	bestScore := -1.0
	for i := range faces {
		area := faces[i].Area()
		if area == 0 {
			area = 1
		}
		score := faces[i].DetScore * area
		if score > bestScore {
			bestScore = score
			best = &faces[i]
		}
	}
	return best
}

// DetectMIMEType detects the MIME type from image data
func DetectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	return "application/octet-stream"
}
