package tracker

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Adapter wraps an Engine with the guarantees the pipeline relies on:
//   - an engine failure never surfaces; the previous active set is returned
//     and nothing is reported as removed
//   - every track ID is reported as removed exactly once per lifetime and
//     never together with itself in Active
type Adapter struct {
	mu     sync.Mutex
	engine Engine
	logger *slog.Logger

	frame    uint64
	previous []Track
	live     map[int64]struct{}
	failures int
}

// NewAdapter creates an adapter around engine.
func NewAdapter(engine Engine, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		engine: engine,
		logger: logger,
		live:   make(map[int64]struct{}),
	}
}

// Update advances the tracker by one frame.
func (a *Adapter) Update(dets []Detection) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.frame++
	active, removed, err := a.safeUpdate(a.frame, dets)
	if err != nil {
		a.failures++
		a.logger.Warn("tracker update failed, keeping previous tracks",
			"frame", a.frame, "error", err, "failures", a.failures)
		return Result{Active: slices.Clone(a.previous)}
	}

	current := make(map[int64]struct{}, len(active))
	for _, t := range active {
		current[t.ID] = struct{}{}
	}

	var gone []int64
	for _, id := range removed {
		if _, alive := a.live[id]; !alive {
			continue
		}
		if _, again := current[id]; again {
			// The engine reused the ID within the same update; the track
			// continues from the caller's point of view.
			continue
		}
		delete(a.live, id)
		gone = append(gone, id)
	}
	for id := range current {
		a.live[id] = struct{}{}
	}

	a.previous = active
	return Result{Active: slices.Clone(active), Removed: gone}
}

func (a *Adapter) safeUpdate(frame uint64, dets []Detection) (active []Track, removed []int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tracker engine panic: %v", r)
		}
	}()
	return a.engine.Update(frame, dets)
}

// Frame returns the number of updates performed.
func (a *Adapter) Frame() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frame
}
