// Package batcher buffers detection records and writes them to storage in
// bulk with at-least-once delivery.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kozaktomas/occupancy-tracker/internal/constants"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/metrics"
)

// ErrFlushFailed wraps the storage error after all retries of a flush failed.
// The records stay buffered for the next flush.
var ErrFlushFailed = errors.New("detection flush failed")

// Options tune a Batcher.
type Options struct {
	BatchSize int // Ready is signalled at this many records

	// MaxPending caps the buffer; the oldest records are dropped beyond it
	// and are never written. 0 keeps everything until a flush succeeds.
	MaxPending int

	MaxRetries      int           // retries per flush after the first attempt
	InitialInterval time.Duration // first retry delay
	MaxInterval     time.Duration
}

// DefaultOptions mirrors the settings table defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:       100,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Batcher is shared by all camera pipelines of a process. Add never touches
// storage; whoever owns the batcher flushes when Ready fires.
type Batcher struct {
	writer  database.DetectionWriter
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	ready   chan struct{}

	flushMu sync.Mutex // one flush at a time

	mu      sync.Mutex
	buf     []database.DetectionRecord
	head    uint64 // records ever removed from the front of buf
	dropped uint64
}

// New creates a batcher writing to writer.
func New(writer database.DetectionWriter, opts Options, m *metrics.Metrics, logger *slog.Logger) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultOptions().InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultOptions().MaxInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		writer:  writer,
		opts:    opts,
		metrics: m,
		logger:  logger,
		ready:   make(chan struct{}, 1),
	}
}

// Add buffers records and signals Ready once a full batch is waiting. It
// does not block on storage, so the error is always nil.
func (b *Batcher) Add(_ context.Context, records ...database.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}

	b.mu.Lock()
	b.buf = append(b.buf, records...)
	if b.opts.MaxPending > 0 && len(b.buf) > b.opts.MaxPending {
		over := len(b.buf) - b.opts.MaxPending
		b.buf = slices.Delete(b.buf, 0, over)
		b.head += uint64(over)
		b.dropped += uint64(over)
		b.logger.Warn("detection buffer full, dropping oldest records", "dropped", over, "max_pending", b.opts.MaxPending)
	}
	pending := len(b.buf)
	b.mu.Unlock()

	b.metrics.Pending(pending)
	if pending >= b.opts.BatchSize {
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

// Ready receives a value when at least one full batch is buffered.
func (b *Batcher) Ready() <-chan struct{} {
	return b.ready
}

// Flush writes everything buffered so far. Records added while the write is
// in flight are kept for the next flush.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	start := b.head
	batch := slices.Clone(b.buf)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.InitialInterval
	policy.MaxInterval = b.opts.MaxInterval
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := b.writer.InsertDetections(ctx, batch)
		if err != nil {
			b.metrics.FlushFailed()
			b.logger.Warn("detection flush attempt failed", "records", len(batch), "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(b.opts.MaxRetries, 0))), ctx))
	if err != nil {
		return fmt.Errorf("%w: %d records: %w", ErrFlushFailed, len(batch), err)
	}

	b.mu.Lock()
	// Records may have been dropped from the front while we were writing.
	remove := len(batch) - int(b.head-start)
	if remove > 0 {
		b.buf = slices.Delete(b.buf, 0, remove)
		b.head += uint64(remove)
	}
	pending := len(b.buf)
	b.mu.Unlock()

	b.metrics.Flushed(len(batch))
	b.metrics.Pending(pending)
	b.logger.Debug("detections flushed", "records", len(batch), "attempts", attempt, "pending", pending)
	return nil
}

// Close performs the final flush. It keeps trying for a short while even if
// ctx is already cancelled, since it usually runs during shutdown.
func (b *Batcher) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
	defer cancel()
	return b.Flush(ctx)
}

// Pending returns the number of buffered records.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Dropped returns how many records were discarded because of MaxPending.
func (b *Batcher) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
