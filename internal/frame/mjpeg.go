package frame

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxPartSize bounds a single JPEG part of an MJPEG stream.
const maxPartSize = 16 << 20

type mjpegGrabber struct {
	url    string
	client *http.Client
}

func (g *mjpegGrabber) String() string { return redact(g.url) }

func (g *mjpegGrabber) Open(ctx context.Context) (Stream, error) {
	// The stream outlives Open, so it gets its own cancel tied to Close.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, g.url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	stop := context.AfterFunc(ctx, cancel)
	resp, err := g.client.Do(req)
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", g, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("camera %s returned status %d", g, resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("camera %s is not an MJPEG stream (content type %q)", g, resp.Header.Get("Content-Type"))
	}

	return &mjpegStream{
		body:   resp.Body,
		reader: multipart.NewReader(resp.Body, strings.Trim(params["boundary"], "-")),
		cancel: cancel,
	}, nil
}

type mjpegStream struct {
	body   io.ReadCloser
	reader *multipart.Reader
	cancel context.CancelFunc
}

func (s *mjpegStream) Next(ctx context.Context) (*Frame, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		part, err := s.reader.NextPart()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == io.EOF {
				return nil, ErrEndOfStream
			}
			return nil, fmt.Errorf("failed to read stream part: %w", err)
		}

		if ct := part.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/jpeg") {
			part.Close()
			continue
		}

		data, err := readPart(part)
		part.Close()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read jpeg part: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		return Decode(data, time.Now())
	}
}

// readPart reads a JPEG part. Cameras announce the part length, and relying
// on it avoids waiting for the next boundary, which only arrives with the
// next frame.
func readPart(part *multipart.Part) ([]byte, error) {
	if n, err := strconv.Atoi(part.Header.Get("Content-Length")); err == nil && n > 0 && n <= maxPartSize {
		data := make([]byte, n)
		if _, err := io.ReadFull(part, data); err != nil {
			return nil, err
		}
		return data, nil
	}
	return io.ReadAll(io.LimitReader(part, maxPartSize))
}

func (s *mjpegStream) Close() error {
	s.cancel()
	return s.body.Close()
}
