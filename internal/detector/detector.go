// Package detector calls the person detection service.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/occupancy-tracker/internal/frame"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
	"github.com/kozaktomas/occupancy-tracker/internal/tracker"
)

const (
	defaultDetectorURL = "http://localhost:8001"
	detectEndpoint     = "/detect"
)

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, f *frame.Frame) ([]tracker.Detection, error)
}

// Client is an HTTP Detector.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a detection client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultDetectorURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type detectResponse struct {
	Detections []struct {
		BBox       []float64 `json:"bbox"` // x1, y1, x2, y2 in pixels
		Confidence float64   `json:"confidence"`
		Class      int       `json:"class"`
	} `json:"detections"`
}

// Detect uploads the frame's JPEG and returns all detections.
func (c *Client) Detect(ctx context.Context, f *frame.Frame) ([]tracker.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(f.JPEG); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+detectEndpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result detectResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	dets := make([]tracker.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if len(d.BBox) != 4 {
			continue
		}
		box := geometry.FromCorners(d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
		if box.Area() <= 0 {
			continue
		}
		dets = append(dets, tracker.Detection{BBox: box, Confidence: d.Confidence, Class: d.Class})
	}
	return dets, nil
}

// FilterPersons keeps detections of class with at least minConfidence.
func FilterPersons(dets []tracker.Detection, class int, minConfidence float64) []tracker.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Class == class && d.Confidence >= minConfidence {
			out = append(out, d)
		}
	}
	return out
}
