package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/custodyledger/internal/idempotency"
	"github.com/onnwee/custodyledger/internal/middleware"
	"github.com/onnwee/custodyledger/internal/stream"
)

// IdempotentRoutes are the mutating routes that require an Idempotency-Key.
// POST /pos/check is a read and is not listed.
var IdempotentRoutes = map[string]bool{
	"/units":                 true,
	"/units/{id}/events":     true,
	"/logistics":             true,
	"/logistics/{id}/events": true,
	"/verifications":         true,
}

// RouterConfig wires the handlers and their per-route middleware.
type RouterConfig struct {
	Ledger        Ledger
	Logistics     LogisticsService
	Verifications VerificationService
	// Broadcaster enables GET /stream when set.
	Broadcaster *stream.Broadcaster
	// Archiver enables export archival when set.
	Archiver Archiver

	Authenticator middleware.Authenticator
	Idempotency   idempotency.Repository

	// RateLimitStore enables the per-scanner and per-principal limits when set.
	RateLimitStore    middleware.RateLimitStore
	POSLimit          middleware.RateLimitConfig
	VerificationLimit middleware.RateLimitConfig
	HTTPMetrics       *middleware.Metrics

	Health HealthHandlersConfig
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter registers every route on a new ServeMux. Ops routes are public;
// everything else requires a bearer token.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Idempotency == nil {
		cfg.Idempotency = idempotency.NewInMemoryRepository()
	}
	if cfg.POSLimit.RequestsPerWindow == 0 {
		cfg.POSLimit = middleware.DefaultPOSLimit()
	}
	if cfg.VerificationLimit.RequestsPerWindow == 0 {
		cfg.VerificationLimit = middleware.DefaultVerificationLimit()
	}

	units := NewUnitHandlers(cfg.Ledger, cfg.Archiver, cfg.Logger)
	posHandlers := NewPOSHandlers(cfg.Ledger)
	logisticsHandlers := NewLogisticsHandlers(cfg.Logistics)
	verifications := NewVerificationHandlers(cfg.Verifications)
	healthHandlers := NewHealthHandlers(cfg.Health)

	requireAuth := middleware.RequireAuth(cfg.Authenticator, cfg.Logger)
	idem := middleware.IdempotencyMiddleware(cfg.Idempotency, IdempotentRoutes)
	limit := func(limitCfg middleware.RateLimitConfig, keyFunc middleware.KeyFunc) func(http.Handler) http.Handler {
		if cfg.RateLimitStore == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return middleware.RateLimiter(cfg.RateLimitStore, limitCfg, keyFunc, cfg.HTTPMetrics)
	}

	degraded := markDegraded(cfg.Ledger)

	// protected wraps h as auth -> [limits] -> degraded marker -> idempotency -> h.
	protected := func(h http.HandlerFunc, limits ...func(http.Handler) http.Handler) http.Handler {
		next := degraded(idem(h))
		for i := len(limits) - 1; i >= 0; i-- {
			next = limits[i](next)
		}
		return requireAuth(next)
	}

	mux := http.NewServeMux()

	mux.Handle("POST /units", protected(units.CreateUnit))
	mux.Handle("GET /units", protected(units.ListUnits))
	mux.Handle("GET /units/{id}", protected(units.GetUnit))
	mux.Handle("GET /units/{id}/events", protected(units.History))
	mux.Handle("POST /units/{id}/events", protected(units.ApplyEvent))
	mux.Handle("GET /units/{id}/verify", protected(units.Verify))
	mux.Handle("GET /units/{id}/export", protected(units.Export))

	mux.Handle("POST /pos/check", protected(posHandlers.Check,
		limit(cfg.POSLimit, middleware.ScannerKeyFunc())))

	mux.Handle("POST /logistics", protected(logisticsHandlers.Create))
	mux.Handle("GET /logistics/{id}", protected(logisticsHandlers.Get))
	mux.Handle("POST /logistics/{id}/events", protected(logisticsHandlers.ApplyEvent))

	mux.Handle("POST /verifications", protected(verifications.Submit,
		limit(cfg.VerificationLimit, middleware.PrincipalKeyFunc())))
	mux.Handle("GET /verifications/{id}", protected(verifications.Get))

	if cfg.Broadcaster != nil {
		streamHandlers := NewStreamHandlers(cfg.Broadcaster, cfg.AllowedOrigins, cfg.Logger)
		mux.Handle("GET /stream", requireAuth(http.HandlerFunc(streamHandlers.Subscribe)))
	}

	mux.HandleFunc("GET /health", healthHandlers.Health)
	mux.HandleFunc("GET /ready", healthHandlers.Ready)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	return mux
}
