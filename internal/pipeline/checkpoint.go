package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/kozaktomas/occupancy-tracker/internal/constants"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/occupancy"
	"github.com/kozaktomas/occupancy-tracker/internal/trackcache"
)

// Ledger is the part of occupancy.Ledger a checkpoint needs.
type Ledger interface {
	RecordEntry(ctx context.Context, req occupancy.Request) (database.Session, error)
	RecordExit(ctx context.Context, req occupancy.Request) (database.Session, error)
}

// Checkpoint turns newly resolved tracks of an entry or exit camera into
// occupancy events. A user who was just handled is ignored for the cooldown
// period, so a person whose track breaks up and gets resolved again in the
// doorway is not recorded twice. A crossing the ledger failed to store is
// kept and retried while its track is alive.
type Checkpoint struct {
	role       database.CameraRole
	cameraID   int64
	ledger     Ledger
	cooldown   time.Duration
	recent     *cache.Cache // user id -> track id, expires after cooldown
	retryEvery time.Duration
	pending    map[int64]pendingCrossing // by track id
	logger     *slog.Logger
}

type pendingCrossing struct {
	identity *trackcache.Identity
	next     time.Time
}

// NewCheckpoint creates a checkpoint for an entry or exit camera.
func NewCheckpoint(role database.CameraRole, cameraID int64, ledger Ledger, cooldown time.Duration, logger *slog.Logger) (*Checkpoint, error) {
	if role != database.RoleEntry && role != database.RoleExit {
		return nil, errors.New("checkpoint requires an entry or exit camera")
	}
	if ledger == nil {
		return nil, errors.New("checkpoint requires a ledger")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpoint{
		role:       role,
		cameraID:   cameraID,
		ledger:     ledger,
		cooldown:   cooldown,
		recent:     cache.New(cooldown, 0),
		retryEvery: constants.CheckpointRetryInterval,
		pending:    make(map[int64]pendingCrossing),
		logger:     logger,
	}, nil
}

// Handle records the checkpoint crossing of a resolved identity. It reports
// false when the user is cooling down. Conflicts are returned as the
// ledger's *occupancy.ConflictError.
func (c *Checkpoint) Handle(ctx context.Context, id *trackcache.Identity) (bool, error) {
	delete(c.pending, id.TrackID)
	key := strconv.FormatInt(id.UserID, 10)
	if c.cooldown > 0 {
		c.recent.DeleteExpired()
		if _, found := c.recent.Get(key); found {
			c.logger.Debug("checkpoint cooldown, ignoring user", "user_id", id.UserID, "track_id", id.TrackID)
			return false, nil
		}
		c.recent.SetDefault(key, id.TrackID)
	}

	cameraID := c.cameraID
	distance := id.Distance
	req := occupancy.Request{
		UserID:   id.UserID,
		Source:   database.SourceCamera,
		CameraID: &cameraID,
		Distance: &distance,
	}

	var err error
	switch c.role {
	case database.RoleEntry:
		_, err = c.ledger.RecordEntry(ctx, req)
	case database.RoleExit:
		_, err = c.ledger.RecordExit(ctx, req)
	}
	if err != nil {
		var conflict *occupancy.ConflictError
		if errors.As(err, &conflict) {
			c.logger.Info("checkpoint conflict", "user_id", id.UserID, "role", string(c.role), "error", err)
		} else {
			c.recent.Delete(key)
			c.pending[id.TrackID] = pendingCrossing{identity: id, next: time.Now().Add(c.retryEvery)}
		}
		return true, err
	}
	return true, nil
}

// Retry handles the failed crossing of a track again once its retry time has
// come. It reports false when there is nothing to do yet.
func (c *Checkpoint) Retry(ctx context.Context, trackID int64) (bool, error) {
	p, ok := c.pending[trackID]
	if !ok || time.Now().Before(p.next) {
		return false, nil
	}
	return c.Handle(ctx, p.identity)
}

// Forget drops the failed crossing of a track that is gone.
func (c *Checkpoint) Forget(trackID int64) {
	p, ok := c.pending[trackID]
	if !ok {
		return
	}
	delete(c.pending, trackID)
	c.logger.Warn("track left before its crossing was recorded",
		"track_id", trackID, "user_id", p.identity.UserID, "role", string(c.role))
}
