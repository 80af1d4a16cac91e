package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/pkg/crypto"
)

type authContextKey string

const contextKeyCaller authContextKey = "netusage-caller"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request carries a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		caller, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyCaller, caller)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// requireAdmin rejects authenticated callers without the admin flag.
func (r *Router) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		caller, ok := callerFromContext(req.Context())
		if !ok {
			r.logger.Error("auth context missing for admin route", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		if !caller.Admin {
			writeError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// requireCollector checks the shared collector token on ingestion routes.
func (r *Router) requireCollector(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.collectorToken == "" {
			r.logger.Error("collector token not configured", "path", req.URL.Path)
			writeError(w, http.StatusServiceUnavailable, "ingestion disabled")
			return
		}
		if !crypto.EqualTokens(r.collectorToken, strings.TrimSpace(req.Header.Get("X-Collector-Token"))) {
			r.logger.Warn("collector token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid collector token")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// callerFromContext extracts the authenticated caller.
func callerFromContext(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(domain.Caller)
	return caller, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
