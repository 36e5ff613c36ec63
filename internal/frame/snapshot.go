package frame

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type snapshotGrabber struct {
	url      string
	client   *http.Client
	interval time.Duration
}

func (g *snapshotGrabber) String() string { return redact(g.url) }

// Open fetches one snapshot so an unreachable camera fails here rather than
// on the first Next.
func (g *snapshotGrabber) Open(ctx context.Context) (Stream, error) {
	s := &snapshotStream{grabber: g}
	f, err := g.fetch(ctx)
	if err != nil {
		return nil, err
	}
	s.pending = f
	return s, nil
}

func (g *snapshotGrabber) fetch(ctx context.Context) (*Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot from %s: %w", g, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("camera %s returned status %d", g, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPartSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Decode(data, time.Now())
}

type snapshotStream struct {
	grabber *snapshotGrabber
	pending *Frame
	last    time.Time
}

func (s *snapshotStream) Next(ctx context.Context) (*Frame, error) {
	if f := s.pending; f != nil {
		s.pending = nil
		s.last = time.Now()
		return f, nil
	}

	if wait := s.grabber.interval - time.Since(s.last); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	s.last = time.Now()
	return s.grabber.fetch(ctx)
}

func (s *snapshotStream) Close() error { return nil }
