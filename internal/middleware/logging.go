package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

type errorCodeKey struct{}

// SetErrorCode stores the API error code so the request log can carry it.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the error code set by a handler, or "".
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// responseWriter captures what Logging reports. ctx is the innermost handler
// context, so values added after Logging ran (principal, error code) are
// still visible when the line is written.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	ctx         context.Context
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// UpdateResponseContext hands ctx to the logging writer somewhere under w.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for w != nil {
		if rw, ok := w.(*responseWriter); ok {
			rw.ctx = ctx
			return
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// NewLogger returns the process logger: JSON at info level in production,
// text at debug level everywhere else.
func NewLogger(env string) *slog.Logger {
	return newLogger(os.Stdout, env)
}

func newLogger(w io.Writer, env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logging writes one "request completed" line per request. 5xx responses log
// at error level and 4xx at warn. A panicking handler produces no line.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			ctx := r.Context()
			if rw.ctx != nil {
				ctx = rw.ctx
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if id := GetRequestID(ctx); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if traceID := GetTraceID(r); traceID != "" {
				attrs = append(attrs, slog.String("trace_id", traceID))
			}
			if p, ok := GetPrincipal(ctx); ok {
				attrs = append(attrs, slog.String("principal_id", p.ID), slog.String("role", string(p.Role)))
			}
			if scanner := r.Header.Get(ScannerIDHeader); scanner != "" {
				attrs = append(attrs, slog.String("scanner_id", scanner))
			}
			if rw.Header().Get(IdempotentReplayHeader) == "true" {
				attrs = append(attrs, slog.Bool("replayed", true))
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			if level > slog.LevelInfo {
				if code := GetErrorCode(ctx); code != "" {
					attrs = append(attrs, slog.String("error_code", code))
				}
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}
