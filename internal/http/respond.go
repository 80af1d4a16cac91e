package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/service/access"
	"github.com/splax/netusage/internal/service/auth"
	"github.com/splax/netusage/internal/service/stats"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, stats.ErrServiceFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusForbidden:
		msg = "usage access denied"
	case http.StatusServiceUnavailable:
		msg = "usage stats temporarily unavailable"
	case http.StatusInternalServerError:
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
	}
	writeError(w, status, msg)
}

// usageAccessError maps a failed usage access check the same way the stats service does.
func usageAccessError(err error) error {
	if errors.Is(err, access.ErrPermissionDenied) || errors.Is(err, access.ErrMissingIdentity) {
		return access.ErrPermissionDenied
	}
	return &stats.ServiceError{Op: "check usage access", Err: err}
}
