// Package trackcache remembers which user each live track belongs to, so a
// track is only looked up until it is resolved.
package trackcache

import (
	"context"
	"image"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
	"github.com/kozaktomas/occupancy-tracker/internal/identity"
	"github.com/kozaktomas/occupancy-tracker/internal/tracker"
)

// Intent is what a camera wants to learn about the people it sees.
type Intent int

const (
	// IntentTrack follows people who are already inside.
	IntentTrack Intent = iota
	// IntentEnter watches an entrance; people already inside conflict.
	IntentEnter
	// IntentExit watches an exit; people already outside conflict.
	IntentExit
)

func (i Intent) String() string {
	switch i {
	case IntentEnter:
		return "enter"
	case IntentExit:
		return "exit"
	default:
		return "track"
	}
}

// Outcome describes what Observe did for a track on this frame.
type Outcome string

const (
	OutcomeCached     Outcome = "cached"
	OutcomeStationary Outcome = "stationary"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeEmptyCrop  Outcome = "empty_crop"
	OutcomeError      Outcome = "error"
	OutcomeMiss       Outcome = "miss"
	OutcomeConflict   Outcome = "conflict"
	OutcomeResolved   Outcome = "resolved"
)

// Identity is the user a track was resolved to.
type Identity struct {
	TrackID         int64
	UserID          int64
	Distance        float64
	ResolvedAtFrame uint64
}

// Observation is the result of one Observe call.
type Observation struct {
	Outcome       Outcome
	Identity      *Identity
	NewlyResolved bool
}

// UserID returns the resolved user, or nil for unresolved tracks.
func (o Observation) UserID() *int64 {
	if o.Identity == nil {
		return nil
	}
	id := o.Identity.UserID
	return &id
}

// Options tune a Cache.
type Options struct {
	Intent        Intent
	Threshold     float64 // max face distance accepted
	Epsilon       float64 // box movement below this does not trigger a lookup
	MaxAttempts   int     // lookups per track, 0 for unlimited
	RequireInside bool    // IntentTrack only resolves users reported inside
	CropMaxSize   int
	Limiter       *rate.Limiter // nil disables throttling
}

type entry struct {
	ref      geometry.BBox // box at the previous observation
	hasRef   bool
	attempts int
	identity *Identity
}

// Cache is owned by a single camera pipeline and is not safe for
// concurrent use.
type Cache struct {
	resolver identity.Resolver
	opts     Options
	logger   *slog.Logger
	entries  map[int64]*entry
}

// New creates an empty cache.
func New(resolver identity.Resolver, opts Options, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		resolver: resolver,
		opts:     opts,
		logger:   logger,
		entries:  make(map[int64]*entry),
	}
}

// Observe processes one sighting of a live track in img.
func (c *Cache) Observe(ctx context.Context, img image.Image, t tracker.Track) Observation {
	e, ok := c.entries[t.ID]
	if !ok {
		e = &entry{}
		c.entries[t.ID] = e
	}

	if e.identity != nil {
		return Observation{Outcome: OutcomeCached, Identity: e.identity}
	}

	moved := !e.hasRef || t.BBox.Moved(e.ref, c.opts.Epsilon)
	e.ref = t.BBox
	e.hasRef = true
	if !moved {
		return Observation{Outcome: OutcomeStationary}
	}
	if c.opts.MaxAttempts > 0 && e.attempts >= c.opts.MaxAttempts {
		return Observation{Outcome: OutcomeExhausted}
	}
	if c.opts.Limiter != nil && !c.opts.Limiter.Allow() {
		return Observation{Outcome: OutcomeThrottled}
	}

	e.attempts++

	crop, err := identity.Crop(img, t.BBox, c.opts.CropMaxSize)
	if err != nil {
		return Observation{Outcome: OutcomeEmptyCrop}
	}

	m, err := c.resolver.Resolve(ctx, crop)
	if err != nil {
		c.logger.Debug("identity lookup failed", "track_id", t.ID, "attempt", e.attempts, "error", err)
		return Observation{Outcome: OutcomeError}
	}
	if !m.Matched(c.opts.Threshold) {
		return Observation{Outcome: OutcomeMiss}
	}
	if c.conflicts(m.Context) {
		c.logger.Debug("identity conflicts with camera intent",
			"track_id", t.ID, "user_id", *m.UserID, "intent", c.opts.Intent.String(), "context", string(m.Context))
		return Observation{Outcome: OutcomeConflict}
	}

	e.identity = &Identity{
		TrackID:         t.ID,
		UserID:          *m.UserID,
		Distance:        *m.Distance,
		ResolvedAtFrame: t.LastSeenFrame,
	}
	c.logger.Info("track resolved",
		"track_id", t.ID, "user_id", e.identity.UserID, "distance", e.identity.Distance, "attempts", e.attempts)
	return Observation{Outcome: OutcomeResolved, Identity: e.identity, NewlyResolved: true}
}

func (c *Cache) conflicts(ctx identity.SessionContext) bool {
	switch c.opts.Intent {
	case IntentEnter:
		return ctx == identity.ContextInside
	case IntentExit:
		return ctx == identity.ContextOutside
	default:
		return c.opts.RequireInside && ctx != identity.ContextInside
	}
}

// Evict forgets a track. It must be called for every removed track before
// its ID can be reused.
func (c *Cache) Evict(trackID int64) {
	delete(c.entries, trackID)
}

// Lookup returns the identity of a resolved track.
func (c *Cache) Lookup(trackID int64) (*Identity, bool) {
	e, ok := c.entries[trackID]
	if !ok || e.identity == nil {
		return nil, false
	}
	return e.identity, true
}

// Len is the number of tracks with bookkeeping, resolved or not.
func (c *Cache) Len() int {
	return len(c.entries)
}
