package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/custodyledger/internal/health"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const readyTimeout = 5 * time.Second

// HealthHandlersConfig lists the probes behind /ready. Nil probes are skipped.
type HealthHandlersConfig struct {
	Store    health.Checker
	Database health.Checker
	Redis    health.Checker
}

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	cfg HealthHandlersConfig
}

func NewHealthHandlers(cfg HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{cfg: cfg}
}

// HealthResponse is the body of both probes.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. It never touches dependencies.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    StatusHealthy,
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func probe(ctx context.Context, name string, c health.Checker) (string, error) {
	if err := c.HealthCheck(ctx); err != nil {
		if !errors.Is(err, health.ErrStoreDegraded) {
			slog.WarnContext(ctx, "readiness probe failed", "check", name, "error", err)
		}
		return "error", err
	}
	return "ok", nil
}

// Ready handles GET /ready. A store on its read-only cache answers 200
// "degraded" so POS checks keep flowing, and in that state an unreachable
// database is expected. Every other failure answers 503.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]string{"metrics": "ok"}
	healthy, degraded := true, false

	if h.cfg.Store != nil {
		state, err := probe(ctx, "store", h.cfg.Store)
		if errors.Is(err, health.ErrStoreDegraded) {
			state, degraded = StatusDegraded, true
		} else if err != nil {
			healthy = false
		}
		checks["store"] = state
	}
	if h.cfg.Database != nil {
		state, err := probe(ctx, "database", h.cfg.Database)
		if err != nil && !degraded {
			healthy = false
		}
		checks["database"] = state
	}
	if h.cfg.Redis != nil {
		state, err := probe(ctx, "redis", h.cfg.Redis)
		if err != nil {
			healthy = false
		}
		checks["redis"] = state
	}

	resp := HealthResponse{Status: StatusHealthy, Checks: checks, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	code := http.StatusOK
	switch {
	case !healthy:
		resp.Status, code = StatusUnhealthy, http.StatusServiceUnavailable
	case degraded:
		resp.Status = StatusDegraded
	}
	writeJSON(w, r.Context(), code, resp)
}
