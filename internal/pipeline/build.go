package pipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/detector"
	"github.com/kozaktomas/occupancy-tracker/internal/geometry"
	"github.com/kozaktomas/occupancy-tracker/internal/identity"
	"github.com/kozaktomas/occupancy-tracker/internal/metrics"
	"github.com/kozaktomas/occupancy-tracker/internal/trackcache"
	"github.com/kozaktomas/occupancy-tracker/internal/tracker"
)

// Deps are shared by every camera pipeline of a process.
type Deps struct {
	Detector detector.Detector
	Resolver identity.Resolver
	Ledger   Ledger // only needed for entry and exit cameras
	Sink     Sink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// New assembles the pipeline of one camera from configuration. Errors are
// configuration problems and should stop startup.
func New(cfg *config.Config, cam database.Camera, source FrameSource, deps Deps) (*Pipeline, error) {
	if !cam.Role.Valid() {
		return nil, &config.Error{Key: "camera role", Value: string(cam.Role), Reason: "must be tracking, entry or exit"}
	}
	if deps.Detector == nil || deps.Resolver == nil || deps.Sink == nil {
		return nil, errors.New("pipeline requires a detector, a resolver and a detection sink")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("camera", cam.Name, "run_id", uuid.NewString())

	opts := trackcache.Options{
		Intent:      trackcache.IntentTrack,
		Threshold:   cfg.Pipeline.TrackingSimilarity,
		Epsilon:     cfg.Pipeline.PositionEpsilon,
		MaxAttempts: cfg.Pipeline.MaxResolveAttempts,
		CropMaxSize: cfg.Recognition.CropMaxSize,
	}
	switch cam.Role {
	case database.RoleEntry:
		opts.Intent = trackcache.IntentEnter
		opts.Threshold = cfg.Pipeline.GateSimilarity
	case database.RoleExit:
		opts.Intent = trackcache.IntentExit
		opts.Threshold = cfg.Pipeline.GateSimilarity
	default:
		opts.RequireInside = cfg.Pipeline.TrackOnlyInside
	}
	if cfg.Recognition.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.Recognition.RateLimit), max(cfg.Recognition.Burst, 1))
	}

	p := &Pipeline{
		Camera:          cam,
		FPS:             cfg.Pipeline.FPS,
		Source:          source,
		Detector:        deps.Detector,
		Tracker:         tracker.NewAdapter(tracker.NewIoUEngine(cfg.Tracker), logger),
		Cache:           trackcache.New(deps.Resolver, opts, logger),
		Sink:            deps.Sink,
		PersonClass:     cfg.Detector.PersonClass,
		PersonThreshold: cfg.Pipeline.PersonThreshold,
		Metrics:         deps.Metrics,
		Logger:          logger,
	}

	if cam.Role == database.RoleEntry || cam.Role == database.RoleExit {
		cp, err := NewCheckpoint(cam.Role, cam.ID, deps.Ledger, cfg.Pipeline.CheckpointCooldown, logger)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cam.Name, err)
		}
		p.Checkpoint = cp
	}

	if cam.Transformation != nil {
		h, err := geometry.NewHomography(cam.Transformation)
		if err != nil {
			return nil, &config.Error{Key: "camera transformation", Value: cam.Name, Reason: err.Error()}
		}
		p.Floor = h
	}

	return p, nil
}
