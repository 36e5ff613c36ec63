package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/occupancy-tracker/internal/constants"
	"github.com/kozaktomas/occupancy-tracker/internal/web"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Serve the gate HTTP API",
	Long: `Serve the kiosk API without running any camera pipeline:

  POST /api/v1/gate/entry       recognise a face and record an entry
  POST /api/v1/gate/exit        recognise a face and record an exit
  POST /api/v1/gate/thresholds  reload the gate threshold from settings
  GET  /api/v1/occupancy        list who is inside
  GET  /api/v1/stats            detection statistics
  GET  /metrics                 Prometheus metrics

Set GATE_TOKEN to require "Authorization: Bearer <token>" on /api/v1.`,
	RunE: runGate,
}

func init() {
	rootCmd.AddCommand(gateCmd)

	gateCmd.Flags().Int("port", 0, "Port to listen on (defaults to WEB_PORT)")
	gateCmd.Flags().String("host", "", "Host to bind to (defaults to WEB_HOST)")
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	server := web.NewServer(cfg, web.Deps{
		Ledger:   ledger,
		Resolver: newRecognition(cfg),
		Settings: backend.Settings,
		Stats:    backend.Stats,
		Metrics:  m,
	}, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Gate API listening on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
