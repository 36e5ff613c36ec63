package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/occupancy-tracker/internal/web/handlers"
	"github.com/kozaktomas/occupancy-tracker/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	gateHandler := handlers.NewGateHandler(s.deps.Ledger, s.deps.Resolver, s.deps.Settings, s.config.Pipeline.GateSimilarity, s.logger)
	occupancyHandler := handlers.NewOccupancyHandler(s.deps.Ledger, s.logger)
	statsHandler := handlers.NewStatsHandler(s.deps.Stats, s.logger)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Web.Token))

		// Gate kiosks
		r.Post("/gate/entry", gateHandler.Entry)
		r.Post("/gate/exit", gateHandler.Exit)
		r.Post("/gate/thresholds", gateHandler.ReloadThresholds)

		// Reporting
		r.Get("/occupancy", occupancyHandler.List)
		r.Get("/stats", statsHandler.Get)
	})
}
