// Package main provides the variance monitor entry point.
// It consumes regimen events and raises alerts for doses that deviate
// from the expected amount.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosing/internal/api/handlers"
	"github.com/drfirst/go-dosing/internal/infrastructure/redpanda"
	"github.com/drfirst/go-dosing/internal/observability/metrics"
	"github.com/drfirst/go-dosing/internal/observability/tracing"
	"github.com/drfirst/go-dosing/internal/variance"
	"github.com/drfirst/go-dosing/pkg/circuitbreaker"
	"github.com/drfirst/go-dosing/pkg/idempotency"
	"github.com/drfirst/go-dosing/pkg/workerpool"
)

const serviceName = "variance-monitor"

// Config holds monitor configuration
type Config struct {
	// DatabaseURL backs the inbox; empty keeps it in memory
	DatabaseURL  string
	Brokers      []string
	Workers      int
	MetricsPort  string
	OTLPEndpoint string
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := loadConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	var store idempotency.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		store = idempotency.NewPostgresStore(pool)
	} else {
		logger.Warn("DATABASE_URL not set, inbox is kept in memory")
		store = idempotency.NewMemoryStore()
	}
	inbox := idempotency.NewInbox(store, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("redpanda"), logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	breaker.OnStateChange(func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	})

	monitor := variance.NewMonitor(variance.DefaultConfig(), inbox,
		redpanda.NewGuardedPublisher(producer, breaker), m, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers
	workers, err := workerpool.New[*redpanda.ConsumedMessage](poolCfg, monitor.Handle, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers
	consumer, err := redpanda.NewConsumer(consumerCfg, monitor.Batch(workers), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	admin, err := redpanda.NewAdmin(cfg.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()
	go reportLag(ctx, admin, consumerCfg.GroupID, logger)

	health := handlers.NewHealthHandler(serviceName, "1.0.0", map[string]handlers.ReadyCheck{
		"redpanda": producer.Ping,
		"workers": func(context.Context) error {
			if !workers.IsHealthy() {
				return errors.New("worker queue saturated")
			}
			return nil
		},
	})
	ops := chi.NewRouter()
	ops.Get("/health", health.Health)
	ops.Get("/ready", health.Ready)
	ops.Handle("/metrics", metrics.Handler(reg))

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           ops,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("variance monitor started",
		zap.Strings("brokers", cfg.Brokers),
		zap.Int("workers", cfg.Workers))
	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped with error", zap.Error(err))
	}

	logger.Info("shutting down")
	consumer.Close()
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool did not drain", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	cs := consumer.Stats()
	logger.Info("variance monitor stopped",
		zap.Int64("messages_consumed", cs.MessagesRead),
		zap.Int64("errors", cs.ErrorCount))
}

func reportLag(ctx context.Context, admin *redpanda.Admin, group string, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GetConsumerGroupLag(ctx, group)
			if err != nil {
				logger.Warn("lag lookup failed", zap.Error(err))
				continue
			}
			for topic, n := range lag {
				logger.Debug("consumer lag", zap.String("topic", topic), zap.Int64("lag", n))
			}
		}
	}
}

func loadConfig(logger *zap.Logger) Config {
	brokers := []string{"localhost:9092"}
	if b := os.Getenv("KAFKA_BROKERS"); b != "" {
		brokers = strings.Split(b, ",")
	}

	workers := 16
	if w := os.Getenv("VARIANCE_WORKERS"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n <= 0 {
			logger.Warn("ignoring invalid VARIANCE_WORKERS", zap.String("value", w))
		} else {
			workers = n
		}
	}

	port := os.Getenv("METRICS_PORT")
	if port == "" {
		port = "9093"
	}

	return Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		Brokers:      brokers,
		Workers:      workers,
		MetricsPort:  port,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
