package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultRecognitionURL = "http://localhost:8000"
	findClosestEndpoint   = "/find-closest-embedding/"
	faceThresholdField    = "face_detection_threshold"
)

// Client talks to the face recognition service.
type Client struct {
	baseURL string
	client  *http.Client

	// float64 bits; 0 leaves the service default
	faceThreshold atomic.Uint64
}

// NewClient creates a recognition client. A zero timeout leaves requests
// bounded only by the caller's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultRecognitionURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SetFaceThreshold sets the minimum face detection confidence sent with
// every lookup. Values <= 0 stop sending it.
func (c *Client) SetFaceThreshold(v float64) {
	if v < 0 {
		v = 0
	}
	c.faceThreshold.Store(math.Float64bits(v))
}

// FaceThreshold returns the face detection confidence sent with lookups.
func (c *Client) FaceThreshold() float64 {
	return math.Float64frombits(c.faceThreshold.Load())
}

// closestResponse is the body of find-closest-embedding. user_inside is
// the older field some deployments still send instead of session_context.
type closestResponse struct {
	Distance       *float64 `json:"distance"`
	UserID         *int64   `json:"user_id"`
	UserName       string   `json:"user_name"`
	SessionContext *string  `json:"session_context"`
	UserInside     *bool    `json:"user_inside"`
	Error          string   `json:"error"`
}

// Resolve encodes the crop and looks it up.
func (c *Client) Resolve(ctx context.Context, crop image.Image) (Match, error) {
	data, err := EncodeJPEG(crop)
	if err != nil {
		return NoMatch, err
	}
	return c.ResolveJPEG(ctx, data)
}

// ResolveJPEG looks up an already encoded image. Timeouts and "nothing
// enrolled" answers are not errors; they are a miss.
func (c *Client) ResolveJPEG(ctx context.Context, data []byte) (Match, error) {
	status, body, err := c.postImage(ctx, findClosestEndpoint, data)
	if err != nil {
		if isTimeout(err) {
			return NoMatch, nil
		}
		return NoMatch, err
	}

	switch {
	case status == http.StatusNotFound:
		return NoMatch, nil
	case status != http.StatusOK:
		return NoMatch, fmt.Errorf("API error (status %d): %s", status, strings.TrimSpace(string(body)))
	}

	var resp closestResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return NoMatch, fmt.Errorf("failed to parse response: %w", err)
	}

	m := Match{
		Distance: resp.Distance,
		UserID:   resp.UserID,
		UserName: resp.UserName,
	}
	switch {
	case resp.SessionContext != nil:
		switch SessionContext(*resp.SessionContext) {
		case ContextInside:
			m.Context = ContextInside
		case ContextOutside:
			m.Context = ContextOutside
		}
	case resp.UserInside != nil:
		if *resp.UserInside {
			m.Context = ContextInside
		} else {
			m.Context = ContextOutside
		}
	}
	return m, nil
}

func (c *Client) postImage(ctx context.Context, endpoint string, data []byte) (int, []byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return 0, nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if v := c.FaceThreshold(); v > 0 {
		if err := writer.WriteField(faceThresholdField, strconv.FormatFloat(v, 'f', -1, 64)); err != nil {
			return 0, nil, fmt.Errorf("failed to write face threshold: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
