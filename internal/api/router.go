// Package api assembles the dosing HTTP API.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosing/internal/api/handlers"
	"github.com/drfirst/go-dosing/internal/api/middleware"
	"github.com/drfirst/go-dosing/internal/domain/regimen"
)

// RouterConfig wires the router's collaborators
type RouterConfig struct {
	ServiceName string
	Version     string
	Service     *regimen.Service
	// APIKeys maps key to client ID; empty disables authentication
	APIKeys     map[string]string
	ReadyChecks map[string]handlers.ReadyCheck
	// Metrics is mounted at /metrics when set
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewRouter builds the HTTP handler: probes and metrics at the root, the
// authenticated regimen API under /api/v1.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))

	health := handlers.NewHealthHandler(cfg.ServiceName, cfg.Version, cfg.ReadyChecks)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	regimens := handlers.NewRegimenHandler(cfg.Service, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/regimens", regimens.Routes())
	})
	return r
}
