package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kozaktomas/occupancy-tracker/internal/batcher"
	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/constants"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/detector"
	"github.com/kozaktomas/occupancy-tracker/internal/frame"
	"github.com/kozaktomas/occupancy-tracker/internal/metrics"
	"github.com/kozaktomas/occupancy-tracker/internal/pipeline"
	"github.com/kozaktomas/occupancy-tracker/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tracking pipelines",
	Long: `Start one pipeline per enabled camera. Every pipeline reads the newest
frame of its camera at the configured FPS, detects and tracks people, resolves
tracks to users and stores detection records. Entry and exit cameras also
record occupancy changes.

A single camera can be run without registering it first:

  occupancy run --camera-uri http://10.0.0.5/mjpg --camera-id 3 --role entry

SIGHUP reloads the settings table and restarts all pipelines.
SIGINT and SIGTERM flush buffered detections and exit.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addCameraFlags(runCmd)
	runCmd.Flags().Bool("gate", false, "Also serve the gate HTTP API and /metrics")
}

func addCameraFlags(cmd *cobra.Command) {
	cmd.Flags().String("camera-uri", "", "Run a single camera from this URI instead of the camera registry")
	cmd.Flags().Int64("camera-id", 0, "Camera ID stored with detections of --camera-uri")
	cmd.Flags().String("camera-name", "", "Camera name for logs and metrics (defaults to camera-<id>)")
	cmd.Flags().String("role", string(database.RoleTracking), "Role of --camera-uri: tracking, entry or exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	for {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		runCtx, cancel := context.WithCancel(ctx)

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		var reload atomic.Bool
		go func() {
			select {
			case <-hup:
				reload.Store(true)
				cancel()
			case <-runCtx.Done():
			}
		}()

		err := runOnce(runCtx, cmd)

		signal.Stop(hup)
		cancel()
		stop()

		if !reload.Load() {
			return err
		}
		if err != nil {
			slog.Error("pipelines stopped with error", "error", err)
		}
		slog.Info("reloading settings and restarting pipelines")
	}
}

func runOnce(ctx context.Context, cmd *cobra.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := applySettings(ctx, cfg, backend, logger); err != nil {
		return err
	}

	m, err := newMetrics()
	if err != nil {
		return err
	}
	ledger, closeNotifier, err := newLedger(cfg, backend, m, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	cameras, err := selectCameras(ctx, cmd, backend)
	if err != nil {
		return err
	}

	buffer := batcher.New(backend.Detections, batcher.Options{
		BatchSize:       cfg.Pipeline.BatchSize,
		MaxPending:      cfg.Pipeline.MaxPending,
		MaxRetries:      cfg.Pipeline.FlushRetries,
		InitialInterval: batcher.DefaultOptions().InitialInterval,
		MaxInterval:     batcher.DefaultOptions().MaxInterval,
	}, m, logger.With("component", "batcher"))
	if err := m.WatchDetectionDrops(buffer.Dropped); err != nil {
		return err
	}

	resolver := newRecognition(cfg)
	deps := pipeline.Deps{
		Detector: detector.NewClient(cfg.Detector.URL, cfg.Detector.Timeout),
		Resolver: resolver,
		Ledger:   ledger,
		Sink:     buffer,
		Metrics:  m,
		Logger:   logger,
	}

	units, err := buildUnits(cfg, cameras, deps, m, logger)
	if err != nil {
		return err
	}
	runner := &pipeline.Runner{
		Units:         units,
		Buffer:        buffer,
		FlushInterval: cfg.Pipeline.FlushInterval,
		Logger:        logger,
	}

	if !mustGetBool(cmd, "gate") {
		return runner.Run(ctx)
	}

	server := web.NewServer(cfg, web.Deps{
		Ledger:   ledger,
		Resolver: resolver,
		Settings: backend.Settings,
		Stats:    backend.Stats,
		Metrics:  m,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// selectCameras returns the camera given on the command line or every
// enabled camera of the registry.
func selectCameras(ctx context.Context, cmd *cobra.Command, backend *database.Backend) ([]database.Camera, error) {
	uri := mustGetString(cmd, "camera-uri")
	if uri == "" {
		cameras, err := backend.Cameras.ListCameras(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("failed to list cameras: %w", err)
		}
		if len(cameras) == 0 {
			return nil, errors.New("no enabled cameras registered, use --camera-uri to run one")
		}
		return cameras, nil
	}

	id := mustGetInt64(cmd, "camera-id")
	if id <= 0 {
		return nil, &config.Error{Key: "--camera-id", Reason: "required with --camera-uri"}
	}
	cam := database.Camera{
		ID:      id,
		Name:    mustGetString(cmd, "camera-name"),
		Role:    database.CameraRole(mustGetString(cmd, "role")),
		Enabled: true,
	}

	// a registered camera keeps its name and calibration
	stored, err := backend.Cameras.GetCamera(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load camera %d: %w", id, err)
	}
	if stored != nil {
		if cam.Name == "" {
			cam.Name = stored.Name
		}
		cam.Transformation = stored.Transformation
	}
	if cam.Name == "" {
		cam.Name = fmt.Sprintf("camera-%d", id)
	}
	cam.Link = uri
	return []database.Camera{cam}, nil
}

// buildUnits creates the producer and pipeline of every camera.
func buildUnits(cfg *config.Config, cameras []database.Camera, deps pipeline.Deps, m *metrics.Metrics, logger *slog.Logger) ([]pipeline.Unit, error) {
	opts := frame.SourceOptions{SnapshotInterval: cfg.Camera.SnapshotInterval}

	var units []pipeline.Unit
	for _, cam := range cameras {
		grabber, err := frame.ParseSource(cam.Link, opts)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", cam.Name, err)
		}
		slot := frame.NewSlot()
		if err := m.WatchFrameDrops(cam.Name, slot.Drops); err != nil {
			return nil, err
		}

		p, err := pipeline.New(cfg, cam, slot, deps)
		if err != nil {
			return nil, err
		}
		units = append(units, pipeline.Unit{
			Producer: &frame.Producer{
				Camera:           cam.Name,
				Grabber:          grabber,
				Slot:             slot,
				ReconnectInitial: cfg.Camera.ReconnectInitial,
				ReconnectMax:     cfg.Camera.ReconnectMax,
				Metrics:          m,
				Logger:           logger,
			},
			Pipeline: p,
		})
		logger.Info("camera configured", "camera", cam.Name, "role", string(cam.Role), "source", grabber.String(), "calibrated", cam.Transformation != nil)
	}
	return units, nil
}
