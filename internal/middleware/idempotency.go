package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/custodyledger/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader is set on responses served from the cache.
const IdempotentReplayHeader = "Idempotent-Replayed"

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter tees the response body so it can be cached.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// unitIDFromPath returns the unit ID segment of /units/{id}/... paths.
func unitIDFromPath(path string) *string {
	parts := strings.Split(path, "/")
	if len(parts) >= 3 && parts[1] == "units" && parts[2] != "" {
		id := parts[2]
		return &id
	}
	return nil
}

// IdempotencyMiddleware returns a middleware that enforces idempotency for requests.
// routes holds normalized route patterns (e.g. "/units/{id}/events"). POST
// requests to those routes must carry an Idempotency-Key header. A repeated key
// from the same principal on the same path replays the cached response; a key
// reused by a different principal or on a different path is rejected with 409.
func IdempotencyMiddleware(repo idempotency.Repository, routes map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := normalizePath(r.URL.Path)
			if r.Method != http.MethodPost || !routes[route] {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				writeError(w, r.Context(), http.StatusBadRequest, "missing_idempotency_key",
					"Idempotency-Key header is required for this request")
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					writeError(w, r.Context(), http.StatusBadRequest, "idempotency_key_too_long",
						"Idempotency-Key exceeds maximum length of 64 characters")
					return
				}
				writeError(w, r.Context(), http.StatusBadRequest, "invalid_idempotency_key",
					"Invalid Idempotency-Key format")
				return
			}

			var principalID string
			if p, ok := GetPrincipal(r.Context()); ok {
				principalID = p.ID
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)

			existing, err := repo.Get(ctx, key)
			switch {
			case err == nil:
				if !existing.Matches(principalID, r.Method, r.URL.Path) {
					writeError(w, ctx, http.StatusConflict, "idempotency_key_conflict",
						"Idempotency-Key was already used for a different request")
					return
				}
				if !existing.Intact() {
					slog.ErrorContext(ctx, "cached response does not match its hash", "key", key)
					writeError(w, ctx, http.StatusInternalServerError, "idempotency_record_corrupt",
						"Cached response for this Idempotency-Key failed its integrity check")
					return
				}
				slog.InfoContext(ctx, "replaying cached response",
					"key", key,
					"status", existing.ResponseStatusCode,
				)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(IdempotentReplayHeader, "true")
				w.WriteHeader(existing.ResponseStatusCode)
				_, _ = io.WriteString(w, existing.ResponseBody)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			captureWriter := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(captureWriter, r)

			// Only 2xx responses are cached.
			if captureWriter.statusCode < 200 || captureWriter.statusCode >= 300 {
				return
			}

			responseBody := captureWriter.body.String()
			record := &idempotency.IdempotencyKey{
				Key:                key,
				Method:             r.Method,
				Route:              route,
				Path:               r.URL.Path,
				PrincipalID:        principalID,
				UnitID:             unitIDFromPath(r.URL.Path),
				ResponseHash:       idempotency.ComputeResponseHash(responseBody),
				Status:             idempotency.StatusCompleted,
				ResponseBody:       responseBody,
				ResponseStatusCode: captureWriter.statusCode,
			}

			if err := repo.Store(ctx, record); errors.Is(err, idempotency.ErrKeyExists) {
				slog.WarnContext(ctx, "concurrent request stored the key first", "key", key)
			} else if err != nil {
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
			} else {
				slog.InfoContext(ctx, "stored idempotency key", "key", key, "status", captureWriter.statusCode)
			}
		})
	}
}
