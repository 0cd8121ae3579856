// Package main provides the dosing API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosing/internal/api"
	"github.com/drfirst/go-dosing/internal/api/handlers"
	"github.com/drfirst/go-dosing/internal/domain/regimen"
	"github.com/drfirst/go-dosing/internal/infrastructure/memory"
	"github.com/drfirst/go-dosing/internal/observability/metrics"
	"github.com/drfirst/go-dosing/internal/observability/tracing"
)

const (
	serviceName = "dosing-api"
	version     = "1.0.0"
)

// Config holds application configuration
type Config struct {
	Port string
	// DatabaseURL selects the Postgres event store; empty runs in memory
	DatabaseURL  string
	APIKeys      map[string]string
	LogLevel     string
	OTLPEndpoint string
}

func main() {
	cfg := loadConfig()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.ServiceVersion = version
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var store regimen.Store
	checks := map[string]handlers.ReadyCheck{}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		logger.Info("connected to database")
		store = regimen.NewRepository(pool, logger)
		checks["database"] = pool.Ping
	} else {
		logger.Warn("DATABASE_URL not set, regimens are kept in memory")
		store = memory.NewRegimenStore(logger)
	}

	svc := regimen.NewService(store, nil, m, logger)
	router := api.NewRouter(api.RouterConfig{
		ServiceName: serviceName,
		Version:     version,
		Service:     svc,
		APIKeys:     cfg.APIKeys,
		ReadyChecks: checks,
		Metrics:     metrics.Handler(reg),
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting dosing API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadConfig() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	apiKeys := map[string]string{}
	if key := os.Getenv("API_KEY"); key != "" {
		apiKeys[key] = "env-client"
	}

	return Config{
		Port:         port,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		APIKeys:      apiKeys,
		LogLevel:     os.Getenv("LOG_LEVEL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func newLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = lvl
	}
	return zcfg.Build()
}
