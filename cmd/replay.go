package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/occupancy-tracker/internal/batcher"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/detector"
	"github.com/kozaktomas/occupancy-tracker/internal/frame"
	"github.com/kozaktomas/occupancy-tracker/internal/pipeline"
)

var replayCmd = &cobra.Command{
	Use:   "replay <dir>",
	Short: "Run a pipeline over recorded frames",
	Long: `Process the JPEG files of a directory in file name order as if they were
frames of a camera. Every file is processed; nothing is dropped for being
late. Useful for testing thresholds and camera placement on recordings.

Examples:
  # See what would be recognised without storing anything
  occupancy replay ./frames/lobby --dry-run

  # Store detections as camera 3
  occupancy replay ./frames/lobby --camera-id 3`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().Int64("camera-id", 0, "Camera ID stored with detections, calibration is taken from the registry")
	replayCmd.Flags().String("role", string(database.RoleTracking), "Camera role: tracking, entry or exit")
	replayCmd.Flags().Bool("dry-run", false, "Count detections instead of storing them; entry and exit roles are not allowed")
}

// countingSink keeps replay results in memory for --dry-run.
type countingSink struct {
	mu       sync.Mutex
	records  int
	resolved int
	users    map[int64]int
}

func (s *countingSink) Add(_ context.Context, records ...database.DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records++
		if r.UserID != nil {
			s.resolved++
			s.users[*r.UserID]++
		}
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	dir := args[0]
	dryRun := mustGetBool(cmd, "dry-run")
	role := database.CameraRole(mustGetString(cmd, "role"))
	cameraID := mustGetInt64(cmd, "camera-id")

	if dryRun && role != database.RoleTracking {
		return errors.New("--dry-run cannot be combined with entry or exit roles")
	}
	if !dryRun && cameraID <= 0 {
		return errors.New("--camera-id is required unless --dry-run is set")
	}

	grabber := frame.NewDirGrabber(dir)
	files, err := grabber.Files()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no jpeg files in %s", dir)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cam := database.Camera{ID: cameraID, Name: "replay", Role: role, Enabled: true, Link: grabber.String()}
	counter := &countingSink{users: make(map[int64]int)}
	deps := pipeline.Deps{
		Detector: detector.NewClient(cfg.Detector.URL, cfg.Detector.Timeout),
		Resolver: newRecognition(cfg),
		Sink:     counter,
		Logger:   logger,
	}

	var buffer *batcher.Batcher
	if !dryRun {
		backend, err := openBackend(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		if err := applySettings(ctx, cfg, backend, logger); err != nil {
			return err
		}
		if stored, err := backend.Cameras.GetCamera(ctx, cameraID); err != nil {
			return fmt.Errorf("failed to load camera %d: %w", cameraID, err)
		} else if stored != nil {
			cam.Name = stored.Name
			cam.Transformation = stored.Transformation
		}

		ledger, closeNotifier, err := newLedger(cfg, backend, nil, logger)
		if err != nil {
			return err
		}
		defer closeNotifier()

		buffer = batcher.New(backend.Detections, batcher.Options{
			BatchSize:       cfg.Pipeline.BatchSize,
			MaxRetries:      cfg.Pipeline.FlushRetries,
			InitialInterval: batcher.DefaultOptions().InitialInterval,
			MaxInterval:     batcher.DefaultOptions().MaxInterval,
		}, nil, logger)
		deps.Ledger = ledger
		deps.Sink = teeSink{buffer, counter}
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	slot := frame.NewSlot()
	p, err := pipeline.New(cfg, cam, slot, deps)
	if err != nil {
		return err
	}

	stream, err := grabber.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Replaying frames"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("frames"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	start := time.Now()
	var processed, skipped, resolved int
	for {
		f, err := stream.Next(ctx)
		if errors.Is(err, frame.ErrEndOfStream) || ctx.Err() != nil {
			break
		}
		bar.Add(1)
		if err != nil {
			logger.Warn("skipping unreadable frame", "error", err)
			skipped++
			continue
		}

		slot.Store(f)
		res := p.Step(ctx)
		if res.Skipped != "" {
			skipped++
		} else {
			processed++
		}
		resolved += res.Resolved

		if buffer != nil {
			select {
			case <-buffer.Ready():
				if err := buffer.Flush(ctx); err != nil {
					logger.Warn("detection flush failed, will retry", "error", err)
				}
			default:
			}
		}
	}
	bar.Finish()

	if buffer != nil {
		if err := buffer.Close(ctx); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nFrames processed: %d (skipped %d) in %s\n", processed, skipped, time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(out, "Detections:       %d (%d attributed)\n", counter.records, counter.resolved)
	fmt.Fprintf(out, "Tracks resolved:  %d\n", resolved)
	fmt.Fprintf(out, "Users seen:       %d\n", len(counter.users))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// teeSink hands records to every sink in order.
type teeSink []pipeline.Sink

func (t teeSink) Add(ctx context.Context, records ...database.DetectionRecord) error {
	var errs []error
	for _, s := range t {
		errs = append(errs, s.Add(ctx, records...))
	}
	return errors.Join(errs...)
}
