package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
)

// ProfilingConfig configures the pprof endpoints.
type ProfilingConfig struct {
	// Enabled mounts /debug/pprof. Ignored in production.
	Enabled bool

	Environment string

	// MutexFraction and BlockRate feed runtime.SetMutexProfileFraction and
	// runtime.SetBlockProfileRate; per-unit lock contention shows up there.
	MutexFraction int
	BlockRate     int
}

func (c ProfilingConfig) active() bool {
	return c.Enabled && c.Environment != "production" && c.Environment != "prod"
}

// Profiling serves net/http/pprof under /debug/pprof and passes every other
// request through.
func Profiling(config ProfilingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}
		if !config.active() {
			slog.Error("profiling cannot be enabled in production environment",
				"environment", config.Environment,
			)
			return next
		}

		if config.MutexFraction > 0 {
			runtime.SetMutexProfileFraction(config.MutexFraction)
		}
		if config.BlockRate > 0 {
			runtime.SetBlockProfileRate(config.BlockRate)
		}
		slog.Warn("profiling endpoints enabled",
			"environment", config.Environment,
			"mutex_fraction", config.MutexFraction,
			"block_rate", config.BlockRate,
		)

		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Path == "/debug/pprof" {
				http.Redirect(w, r, "/debug/pprof/", http.StatusMovedPermanently)
				return
			}
			mux.ServeHTTP(w, r)
		})
	}
}
