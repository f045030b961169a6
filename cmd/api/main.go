// Package main is the entry point for the custody ledger API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/custodyledger/internal/api"
	"github.com/onnwee/custodyledger/internal/audit"
	"github.com/onnwee/custodyledger/internal/auth"
	"github.com/onnwee/custodyledger/internal/config"
	"github.com/onnwee/custodyledger/internal/db"
	"github.com/onnwee/custodyledger/internal/health"
	"github.com/onnwee/custodyledger/internal/idempotency"
	"github.com/onnwee/custodyledger/internal/jobs"
	"github.com/onnwee/custodyledger/internal/ledger"
	"github.com/onnwee/custodyledger/internal/ledgerstore"
	"github.com/onnwee/custodyledger/internal/logistics"
	"github.com/onnwee/custodyledger/internal/middleware"
	"github.com/onnwee/custodyledger/internal/stream"
	"github.com/onnwee/custodyledger/internal/tracing"
	"github.com/onnwee/custodyledger/internal/verification"
)

const serviceName = "custody-api"

// shutdownTimeout bounds the drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (environment variables take precedence)")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Custody Ledger API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logConfig(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	a.start(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := serve(ctx, server, logger, shutdownTimeout)

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.close(closeCtx)

	if serveErr != nil {
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func logConfig(logger *slog.Logger, cfg *config.Config) {
	summary := cfg.LogSummary()
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		attrs = append(attrs, k, summary[k])
	}
	logger.Info("configuration loaded", attrs...)
}

// serve runs server until ctx is cancelled, then drains in-flight requests.
// It returns an error if the listener fails or the drain times out.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger, drain time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		return err
	}
	return nil
}

// app holds the wired components and the resources they own.
type app struct {
	handler http.Handler
	logger  *slog.Logger

	engine      *ledger.Engine
	broadcaster *stream.Broadcaster
	sweep       *audit.SweepJob
	idemRepo    idempotency.Repository
	limitStore  *middleware.InMemoryRateLimitStore
	jobMetrics  *jobs.Metrics

	tracer *tracing.Provider
	sqlDB  *sql.DB
	redis  *redis.Client
}

// newApp builds every component from cfg. On error, resources opened so far
// are released.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
			a = nil
		}
	}()

	a.tracer, err = tracing.NewProvider(cfg.TracingConfig(serviceName))
	if err != nil {
		return a, fmt.Errorf("tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	storeMetrics := ledgerstore.NewMetrics()
	ledgerMetrics := ledger.NewMetrics()
	streamMetrics := stream.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	a.jobMetrics = jobs.NewMetrics()
	for name, m := range map[string]interface {
		Register(prometheus.Registerer) error
	}{
		"ledgerstore": storeMetrics,
		"ledger":      ledgerMetrics,
		"stream":      streamMetrics,
		"http":        httpMetrics,
		"jobs":        a.jobMetrics,
	} {
		if err := m.Register(registry); err != nil {
			return a, fmt.Errorf("register %s metrics: %w", name, err)
		}
	}

	if cfg.StoreBackend == ledgerstore.BackendPostgres {
		a.sqlDB, err = db.Open(ctx, cfg.DatabaseURL, db.Options{})
		if err != nil {
			return a, err
		}
	}

	store, err := ledgerstore.Open(cfg.StoreConfig(), a.sqlDB, logger, storeMetrics)
	if err != nil {
		return a, fmt.Errorf("ledger store: %w", err)
	}

	a.broadcaster = stream.NewBroadcaster(logger, streamMetrics)
	a.engine = ledger.NewEngine(store, ledger.Config{
		Logger:   logger,
		Metrics:  ledgerMetrics,
		Notifier: a.broadcaster,
	})

	var logisticsRepo logistics.Repository = logistics.NewInMemoryRepository()
	var verificationRepo verification.Repository = verification.NewInMemoryRepository()
	healthConfig := api.HealthHandlersConfig{Store: health.Store(a.engine)}
	a.idemRepo = idempotency.NewInMemoryRepository()
	if a.sqlDB != nil {
		logisticsRepo = logistics.NewPostgresRepository(a.sqlDB, logger)
		verificationRepo = verification.NewPostgresRepository(a.sqlDB)
		a.idemRepo = idempotency.NewPostgresRepository(a.sqlDB)
		healthConfig.Database = health.Postgres(a.sqlDB)
	}

	var rateLimitStore middleware.RateLimitStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return a, fmt.Errorf("redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		rateLimitStore = middleware.NewRedisRateLimitStore(a.redis,
			middleware.WithRedisMetrics(httpMetrics),
			middleware.WithRedisLogger(logger))
		healthConfig.Redis = health.Redis(a.redis)
	} else {
		a.limitStore = middleware.NewInMemoryRateLimitStore()
		rateLimitStore = a.limitStore
	}

	var archiver api.Archiver
	if cfg.ArchiveEnabled() {
		s3Archiver, err := audit.NewArchiver(audit.ArchiveConfig{
			BucketName:      cfg.ArchiveBucket,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
		})
		if err != nil {
			return a, fmt.Errorf("evidence archive: %w", err)
		}
		archiver = s3Archiver
	}

	a.sweep = audit.NewSweepJob(audit.SweepJobConfig{
		Interval:   cfg.SweepInterval(),
		Logger:     logger,
		JobMetrics: a.jobMetrics,
	}, a.engine)

	router := api.NewRouter(api.RouterConfig{
		Ledger:         a.engine,
		Logistics:      logistics.NewService(logisticsRepo, a.engine, logger),
		Verifications:  verification.NewService(verificationRepo, a.engine, logger),
		Broadcaster:    a.broadcaster,
		Archiver:       archiver,
		Authenticator:  auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret),
		Idempotency:    a.idemRepo,
		RateLimitStore: rateLimitStore,
		POSLimit: middleware.RateLimitConfig{
			RequestsPerWindow: cfg.POSRateLimitPerMinute,
			WindowDuration:    time.Minute,
		},
		HTTPMetrics:    httpMetrics,
		Health:         healthConfig,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> Profiling -> router
	var handler http.Handler = router
	handler = middleware.Profiling(middleware.ProfilingConfig{
		Enabled:       cfg.ProfilingEnabled,
		Environment:   cfg.Env,
		MutexFraction: 5,
		BlockRate:     10000,
	})(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins))(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if a.tracer.IsEnabled() {
		handler = middleware.Tracing(serviceName)(handler)
	}
	a.handler = middleware.RequestID(handler)

	logger.Info("ledger ready",
		"store_backend", cfg.StoreBackend,
		"archive_enabled", archiver != nil,
		"redis_rate_limits", a.redis != nil)
	return a, nil
}

// start launches the background jobs. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	if err := a.sweep.Start(ctx); err != nil {
		a.logger.Error("failed to start integrity sweep", "error", err)
	}
	go idempotency.RunPeriodicCleanup(ctx, a.idemRepo,
		idempotency.DefaultCleanupInterval, idempotency.DefaultExpiry, a.jobMetrics)

	if a.limitStore != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.limitStore.Cleanup()
				}
			}
		}()
	}
}

// close releases everything newApp opened. It tolerates a partially built app.
func (a *app) close(ctx context.Context) {
	if a.sweep != nil {
		a.sweep.Stop()
	}
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shut down tracer", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis client", "error", err)
		}
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.logger.Error("failed to close database", "error", err)
		}
	}
}
