// Package pipeline runs the per-camera loop: take the newest frame, detect
// and track people, resolve who they are and record what was seen.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/detector"
	"github.com/kozaktomas/occupancy-tracker/internal/frame"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
	"github.com/kozaktomas/occupancy-tracker/internal/metrics"
	"github.com/kozaktomas/occupancy-tracker/internal/trackcache"
	"github.com/kozaktomas/occupancy-tracker/internal/tracker"
)

// FrameSource hands out the newest frame without blocking.
type FrameSource interface {
	Latest() (*frame.Frame, bool)
}

// Sink receives detection records.
type Sink interface {
	Add(ctx context.Context, records ...database.DetectionRecord) error
}

// Skip reasons reported in StepResult and metrics.
const (
	SkipNoFrame       = "no_frame"
	SkipStaleFrame    = "stale_frame"
	SkipDetectorError = "detector_error"
	SkipPanic         = "panic"
)

// StepResult summarizes one Step.
type StepResult struct {
	Skipped  string // empty when the frame was processed
	Seq      uint64
	Active   int
	Removed  int
	Resolved int // tracks resolved on this frame
	Records  int
}

// Pipeline processes frames of one camera. It is driven by a single
// goroutine.
type Pipeline struct {
	Camera     database.Camera
	FPS        int
	Source     FrameSource
	Detector   detector.Detector
	Tracker    *tracker.Adapter
	Cache      *trackcache.Cache
	Sink       Sink
	Checkpoint *Checkpoint // nil for tracking cameras

	PersonClass     int
	PersonThreshold float64
	Floor           *geometry.Homography // nil for uncalibrated cameras

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	lastSeq uint64
}

// Run calls Step at the configured frame rate until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	fps := p.FPS
	if fps <= 0 {
		return fmt.Errorf("camera %s: fps must be positive, got %d", p.Camera.Name, fps)
	}
	logger := p.logger()
	logger.Info("pipeline started", "fps", fps, "role", string(p.Camera.Role))

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("pipeline stopped", "frames", p.Tracker.Frame())
			return nil
		case <-ticker.C:
			p.Step(ctx)
		}
	}
}

// Step processes the newest frame if there is one that was not processed
// yet. Failures of a single frame are logged and never stop the pipeline.
func (p *Pipeline) Step(ctx context.Context) (res StepResult) {
	start := time.Now()
	logger := p.logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline step panicked", "panic", r, "stack", string(debug.Stack()))
			res = StepResult{Skipped: SkipPanic, Seq: res.Seq}
			p.Metrics.FrameSkipped(p.Camera.Name, SkipPanic)
		}
	}()

	f, ok := p.Source.Latest()
	if !ok {
		p.Metrics.FrameSkipped(p.Camera.Name, SkipNoFrame)
		return StepResult{Skipped: SkipNoFrame}
	}
	res.Seq = f.Seq
	if f.Seq == p.lastSeq {
		p.Metrics.FrameSkipped(p.Camera.Name, SkipStaleFrame)
		res.Skipped = SkipStaleFrame
		return res
	}
	p.lastSeq = f.Seq

	dets, err := p.Detector.Detect(ctx, f)
	if err != nil {
		logger.Warn("detection failed", "seq", f.Seq, "error", err)
		p.Metrics.FrameSkipped(p.Camera.Name, SkipDetectorError)
		res.Skipped = SkipDetectorError
		return res
	}
	dets = detector.FilterPersons(dets, p.PersonClass, p.PersonThreshold)

	tr := p.Tracker.Update(dets)
	for _, id := range tr.Removed {
		p.Cache.Evict(id)
		if p.Checkpoint != nil {
			p.Checkpoint.Forget(id)
		}
	}
	res.Active = len(tr.Active)
	res.Removed = len(tr.Removed)

	records := make([]database.DetectionRecord, 0, len(tr.Active))
	for _, t := range tr.Active {
		obs := p.Cache.Observe(ctx, f.Image, t)
		p.Metrics.Lookup(p.Camera.Name, string(obs.Outcome))

		if obs.NewlyResolved {
			res.Resolved++
			p.Metrics.TrackResolved(p.Camera.Name)
		}
		if p.Checkpoint != nil && obs.Identity != nil {
			var err error
			if obs.NewlyResolved {
				_, err = p.Checkpoint.Handle(ctx, obs.Identity)
			} else {
				_, err = p.Checkpoint.Retry(ctx, t.ID)
			}
			if err != nil {
				logger.Warn("checkpoint failed", "track_id", t.ID, "user_id", obs.Identity.UserID, "error", err)
			}
		}

		records = append(records, p.record(f, t, obs))
	}

	if err := p.Sink.Add(ctx, records...); err != nil {
		logger.Warn("failed to buffer detections", "records", len(records), "error", err)
	}
	res.Records = len(records)

	p.Metrics.FrameProcessed(p.Camera.Name, time.Since(start), res.Active, p.Cache.Len())
	return res
}

func (p *Pipeline) record(f *frame.Frame, t tracker.Track, obs trackcache.Observation) database.DetectionRecord {
	rec := database.DetectionRecord{
		UserID:    obs.UserID(),
		CameraID:  p.Camera.ID,
		TrackID:   t.ID,
		Timestamp: f.CapturedAt,
		X:         t.BBox.CX,
		Y:         t.BBox.CY,
		W:         t.BBox.W,
		H:         t.BBox.H,
	}
	if p.Floor != nil {
		if fx, fy, ok := p.Floor.Project(t.BBox.FootPoint()); ok {
			rec.FloorX, rec.FloorY = &fx, &fy
		}
	}
	return rec
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
