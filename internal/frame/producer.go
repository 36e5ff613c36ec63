package frame

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kozaktomas/occupancy-tracker/internal/metrics"
)

// Producer keeps one camera connected and stores every frame it reads into
// a Slot.
type Producer struct {
	Camera           string
	Grabber          Grabber
	Slot             *Slot
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Run reads frames until ctx is cancelled. Connection failures and broken
// streams are retried with exponential backoff forever; Run only returns
// once ctx is done. A frame that fails to decode is logged and skipped.
func (p *Producer) Run(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("camera", p.Camera, "source", p.Grabber.String())

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.ReconnectInitial
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Second
	}
	policy.MaxInterval = p.ReconnectMax
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 30 * time.Second
	}
	policy.MaxElapsedTime = 0

	for ctx.Err() == nil {
		var stream Stream
		err := backoff.RetryNotify(func() error {
			s, err := p.Grabber.Open(ctx)
			if err != nil {
				return err
			}
			stream = s
			return nil
		}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
			p.Metrics.Reconnect(p.Camera)
			logger.Warn("camera connection failed", "error", err, "retry_in", next)
		})
		if err != nil {
			// only a cancelled context ends the retry loop
			break
		}

		logger.Info("camera connected")
		frames, err := p.pump(ctx, stream, logger)
		if cerr := stream.Close(); cerr != nil {
			logger.Debug("failed to close camera stream", "error", cerr)
		}
		if ctx.Err() != nil {
			break
		}

		p.Metrics.Reconnect(p.Camera)
		if errors.Is(err, ErrEndOfStream) {
			logger.Info("camera stream ended, reconnecting", "frames", frames)
		} else {
			logger.Warn("camera stream failed, reconnecting", "error", err, "frames", frames)
		}

		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	logger.Info("camera producer stopped")
	return nil
}

// pump stores frames until the stream fails. Undecodable frames are
// skipped; the connection is only dropped for transport errors.
func (p *Producer) pump(ctx context.Context, stream Stream, logger *slog.Logger) (int, error) {
	frames := 0
	for {
		f, err := stream.Next(ctx)
		if errors.Is(err, ErrBadFrame) {
			p.Metrics.FrameSkipped(p.Camera, "undecodable")
			logger.Warn("skipping undecodable frame", "error", err)
			continue
		}
		if err != nil {
			return frames, err
		}
		p.Slot.Store(f)
		frames++
	}
}
