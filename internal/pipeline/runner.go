package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/occupancy-tracker/internal/frame"
)

// Flusher is the detection buffer shared by the pipelines of a Runner.
// Ready fires when a full batch is waiting to be written.
type Flusher interface {
	Ready() <-chan struct{}
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Unit is one camera: the producer filling the slot and the pipeline
// reading it.
type Unit struct {
	Producer *frame.Producer
	Pipeline *Pipeline
}

// Runner runs camera units side by side until the context is cancelled and
// then flushes whatever detections are still buffered.
type Runner struct {
	Units         []Unit
	Buffer        Flusher
	FlushInterval time.Duration // 0 flushes only on full batches and shutdown
	Logger        *slog.Logger
}

// Run blocks until ctx is cancelled or a pipeline fails to start.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(r.Units) == 0 {
		return errors.New("no cameras to run")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, u := range r.Units {
		g.Go(func() error { return u.Producer.Run(gctx) })
		g.Go(func() error { return u.Pipeline.Run(gctx) })
	}
	if r.Buffer != nil {
		g.Go(func() error {
			r.flushLoop(gctx, logger)
			return nil
		})
	}

	logger.Info("cameras started", "count", len(r.Units))
	err := g.Wait()

	if r.Buffer != nil {
		if ferr := r.Buffer.Close(ctx); ferr != nil {
			logger.Error("final detection flush failed", "error", ferr)
			err = errors.Join(err, ferr)
		}
	}
	logger.Info("cameras stopped")
	return err
}

// flushLoop writes buffered detections off the camera goroutines, so a slow
// or failing database never holds up frame processing.
func (r *Runner) flushLoop(ctx context.Context, logger *slog.Logger) {
	var tick <-chan time.Time
	if r.FlushInterval > 0 {
		ticker := time.NewTicker(r.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.Buffer.Ready():
		case <-tick:
		}
		if err := r.Buffer.Flush(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("detection flush failed, records stay buffered", "error", err)
		}
	}
}
