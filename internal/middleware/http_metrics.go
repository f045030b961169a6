// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are paths without dynamic segments.
var staticRoutes = map[string]bool{
	"/":              true,
	"/units":         true,
	"/pos/check":     true,
	"/logistics":     true,
	"/verifications": true,
	"/stream":        true,
	"/health":        true,
	"/ready":         true,
	"/metrics":       true,
}

// subresources lists the action segments allowed after /{collection}/{id}.
var subresources = map[string]map[string]bool{
	"units":         {"events": true, "verify": true, "export": true},
	"logistics":     {"events": true},
	"verifications": {},
}

// unmatchedRoute labels paths outside the API surface so scanners probing
// random URLs cannot grow the label set.
const unmatchedRoute = "unmatched"

// normalizePath maps a request path to its route pattern, e.g.
// /units/U-1/events to /units/{id}/events.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(path, "/")
	if len(parts) < 3 || parts[2] == "" {
		return unmatchedRoute
	}
	actions, ok := subresources[parts[1]]
	if !ok {
		return unmatchedRoute
	}

	switch len(parts) {
	case 3:
		return "/" + parts[1] + "/{id}"
	case 4:
		if actions[parts[3]] {
			return "/" + parts[1] + "/{id}/" + parts[3]
		}
	}
	return unmatchedRoute
}

// metricsResponseWriter records status and body size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	mrw.wroteHeader = true
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController, which the
// stream upgrade relies on.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// HTTPMetrics records latency, sizes and counts per route. Probe endpoints
// are skipped.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			done := metrics.trackInFlight()
			defer done()

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				max(r.ContentLength, 0),
				mrw.size,
			)
		})
	}
}
