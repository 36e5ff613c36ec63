package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/occupancy-tracker/internal/config"
	"github.com/kozaktomas/occupancy-tracker/internal/database"
	"github.com/kozaktomas/occupancy-tracker/internal/database/postgres"
	"github.com/kozaktomas/occupancy-tracker/internal/identity"
	"github.com/kozaktomas/occupancy-tracker/internal/logging"
	"github.com/kozaktomas/occupancy-tracker/internal/metrics"
	"github.com/kozaktomas/occupancy-tracker/internal/notify"
	"github.com/kozaktomas/occupancy-tracker/internal/occupancy"
)

// loadConfig reads the environment and sets up the process logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if level := mustGetString(cmd, "log-level"); level != "" {
		cfg.Log.Level = level
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openBackend connects to PostgreSQL and applies pending migrations.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*database.Backend, error) {
	logger.Info("connecting to PostgreSQL database")
	backend, err := postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	return backend, nil
}

// applySettings overlays the settings table on cfg and validates the result.
func applySettings(ctx context.Context, cfg *config.Config, backend *database.Backend, logger *slog.Logger) error {
	values, err := backend.Settings.AllSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if err := cfg.ApplySettings(values); err != nil {
		return err
	}
	logger.Debug("settings applied", "count", len(values))
	return cfg.Validate()
}

// newMetrics creates the process metrics on a private registry.
func newMetrics() (*metrics.Metrics, error) {
	return metrics.New(prometheus.NewRegistry())
}

// newRecognition creates the recognition client with the configured face
// detection threshold.
func newRecognition(cfg *config.Config) *identity.Client {
	c := identity.NewClient(cfg.Recognition.URL, cfg.Recognition.Timeout)
	c.SetFaceThreshold(cfg.Pipeline.FaceDetectionThreshold)
	return c
}

// newLedger creates the occupancy ledger. Transitions are published to MQTT
// when a broker is configured; the returned func releases the connection.
func newLedger(cfg *config.Config, backend *database.Backend, m *metrics.Metrics, logger *slog.Logger) (*occupancy.Ledger, func(), error) {
	if cfg.MQTT.Broker == "" {
		return occupancy.NewLedger(backend.Occupancy, nil, m, logger), func() {}, nil
	}

	notifier, err := notify.Connect(cfg.MQTT, logger.With("component", "mqtt"))
	if err != nil {
		return nil, nil, err
	}
	return occupancy.NewLedger(backend.Occupancy, notifier, m, logger), notifier.Close, nil
}
