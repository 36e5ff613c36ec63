package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kozaktomas/occupancy-tracker/internal/identity"
)

// stubResolver answers every lookup with the same match
type stubResolver struct {
	mu    sync.Mutex
	match identity.Match
	err   error
	calls int
}

func (s *stubResolver) Resolve(_ context.Context, _ image.Image) (identity.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.match, s.err
}

// faceStubResolver also carries a face detection threshold
type faceStubResolver struct {
	stubResolver
	face float64
}

func (s *faceStubResolver) FaceThreshold() float64     { return s.face }
func (s *faceStubResolver) SetFaceThreshold(v float64) { s.face = v }

func ptr[T any](v T) *T { return &v }

func matchUser(id int64, distance float64) identity.Match {
	return identity.Match{UserID: ptr(id), Distance: ptr(distance)}
}

// testJPEG returns a small encoded image
func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	img.Set(16, 16, color.White)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// jsonImageRequest builds a kiosk style request with a data URL body
func jsonImageRequest(t *testing.T, path string, data []byte) *http.Request {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"image": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
	})
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// multipartImageRequest builds a request with a "file" upload
func multipartImageRequest(t *testing.T, path string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "gate.jpg")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// parseJSONResponse parses a JSON response body into the target type
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

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
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

// assertGate checks status and message of a gate response
func assertGate(t *testing.T, recorder *httptest.ResponseRecorder, status, message string) GateResponse {
	t.Helper()
	var resp GateResponse
	parseJSONResponse(t, recorder, &resp)
	if resp.Status != status {
		t.Errorf("expected gate status '%s', got '%s'", status, resp.Status)
	}
	if resp.Message != message {
		t.Errorf("expected gate message '%s', got '%s'", message, resp.Message)
	}
	return resp
}
