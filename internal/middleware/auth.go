// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/custodyledger/internal/auth"
	"github.com/onnwee/custodyledger/internal/unit"
)

// principalKey is the context key for the authenticated principal.
type principalKey struct{}

// AccessTokenQueryParam carries the bearer token for WebSocket upgrades,
// where browsers cannot set an Authorization header.
const AccessTokenQueryParam = "access_token"

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(token string) (unit.Principal, error)
}

// SetPrincipal stores the authenticated principal in the context.
func SetPrincipal(ctx context.Context, p unit.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the authenticated principal from context.
func GetPrincipal(ctx context.Context) (unit.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(unit.Principal)
	return p, ok
}

// RequireAuth rejects requests without a valid bearer token and stores the
// resolved principal in the request context.
func RequireAuth(authn Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, r.Context(), http.StatusUnauthorized, "auth_failed", "Missing bearer token")
				return
			}

			p, err := authn.Authenticate(token)
			if err != nil {
				msg := "Invalid bearer token"
				if errors.Is(err, auth.ErrExpiredToken) {
					msg = "Bearer token has expired"
				}
				logger.DebugContext(r.Context(), "token rejected", "error", err)
				writeError(w, r.Context(), http.StatusUnauthorized, "auth_failed", msg)
				return
			}

			ctx := SetPrincipal(r.Context(), p)
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if r.Method == http.MethodGet && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get(AccessTokenQueryParam)
	}
	return ""
}
