package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/service/access"
	"github.com/splax/netusage/internal/service/auth"
	"github.com/splax/netusage/pkg/crypto"
)

func (r *Router) appOpTarget(w http.ResponseWriter, req *http.Request) (string, domain.PermissionKind, bool) {
	identity := chi.URLParam(req, "identity")
	kind, err := domain.ParsePermissionKind(chi.URLParam(req, "op"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return identity, kind, true
}

func (r *Router) handleGetAppOp(w http.ResponseWriter, req *http.Request) {
	identity, kind, ok := r.appOpTarget(w, req)
	if !ok {
		return
	}
	mode, err := r.access.Get(req.Context(), identity, kind)
	if err != nil {
		r.writeAccessError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"op":       string(kind),
		"mode":     string(mode),
	})
}

func (r *Router) handleSetAppOp(w http.ResponseWriter, req *http.Request) {
	identity, kind, ok := r.appOpTarget(w, req)
	if !ok {
		return
	}
	var payload struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, err := domain.ParsePermissionMode(payload.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	previous, err := r.access.Set(req.Context(), identity, kind, mode)
	if err != nil {
		r.writeAccessError(w, req, err)
		return
	}
	if caller, ok := callerFromContext(req.Context()); ok {
		r.logger.Info("appop changed", "by", caller.Identity, "identity", identity, "op", string(kind), "mode", string(mode))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"op":       string(kind),
		"previous": string(previous),
		"mode":     string(mode),
	})
}

func (r *Router) writeAccessError(w http.ResponseWriter, req *http.Request, err error) {
	if errors.Is(err, access.ErrMissingIdentity) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.logger.Error("permission store failure", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusServiceUnavailable, "permission store unavailable")
}

func (r *Router) handleCreateCaller(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Identity string `json:"identity"`
		UID      int    `json:"uid"`
		Secret   string `json:"secret"`
		Admin    bool   `json:"admin"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	caller, err := r.auth.Register(req.Context(), auth.RegisterInput{
		Identity: payload.Identity,
		UID:      payload.UID,
		Secret:   payload.Secret,
		Admin:    payload.Admin,
	})
	switch {
	case errors.Is(err, auth.ErrCallerExists):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, crypto.ErrSecretTooShort), errors.Is(err, auth.ErrInvalidCaller):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusCreated, callerResponse(*caller))
}

func callerResponse(c domain.Caller) map[string]any {
	return map[string]any{
		"id":       c.ID,
		"identity": c.Identity,
		"uid":      c.UID,
		"user":     c.UserID(),
		"admin":    c.Admin,
	}
}
