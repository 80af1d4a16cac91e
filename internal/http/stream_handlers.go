package httpx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/netusage/internal/domain"
	"github.com/splax/netusage/internal/service/access"
	"github.com/splax/netusage/internal/ws"
)

// streamKey resolves the hub stream for the optional uid query parameter.
func streamKey(req *http.Request) (string, bool) {
	raw := strings.TrimSpace(req.URL.Query().Get("uid"))
	if raw == "" || raw == ws.AllStream {
		return ws.AllStream, true
	}
	uid, err := strconv.Atoi(raw)
	if err != nil || uid < 0 {
		return "", false
	}
	return ws.StreamKey(uid), true
}

// authorizeStream applies the usage access check that guards every query.
func (r *Router) authorizeStream(w http.ResponseWriter, req *http.Request) (domain.Caller, string, bool) {
	caller, ok := callerFromContext(req.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return domain.Caller{}, "", false
	}
	if err := r.access.Check(req.Context(), caller, domain.PermissionUsageAccess); err != nil {
		r.writeServiceError(w, req, usageAccessError(err))
		return domain.Caller{}, "", false
	}
	if r.ingest == nil || r.ingest.Hub() == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream disabled")
		return domain.Caller{}, "", false
	}
	key, ok := streamKey(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "uid must be a non-negative integer")
		return domain.Caller{}, "", false
	}
	return caller, key, true
}

// dropRevokedStreams closes the open streams of an identity whose usage
// access was just set to deny.
func (r *Router) dropRevokedStreams(identity string, kind domain.PermissionKind, mode domain.PermissionMode) {
	if kind != domain.PermissionUsageAccess || mode != domain.ModeDeny {
		return
	}
	if r.ingest == nil || r.ingest.Hub() == nil {
		return
	}
	if n := r.ingest.Hub().DropOwner(identity); n > 0 {
		r.logger.Info("closed live streams after usage access revoked", "identity", identity, "streams", n)
	}
}

// guardStream re-checks usage access while a stream is open and closes it on
// denial. This catches modes changed outside this process.
func (r *Router) guardStream(caller domain.Caller, done <-chan struct{}, closeStream func()) {
	ticker := time.NewTicker(r.streamRecheck)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			err := r.access.Check(ctx, caller, domain.PermissionUsageAccess)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, access.ErrPermissionDenied):
				r.logger.Info("closing live stream after usage access revoked", "identity", caller.Identity)
				closeStream()
				return
			default:
				r.logger.Warn("stream access recheck failed", "identity", caller.Identity, "error", err)
			}
		}
	}
}

func (r *Router) handleSamplesWS(w http.ResponseWriter, req *http.Request) {
	caller, key, ok := r.authorizeStream(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	hub := r.ingest.Hub()
	client := ws.NewClient(conn, r.logger.With("component", "ws", "stream", key))
	if !hub.RegisterFor(key, caller.Identity, client) {
		client.Close()
		return
	}
	go r.guardStream(caller, client.Done(), client.Close)
	go func() {
		defer hub.Unregister(key, client)
		client.Serve()
	}()
}

func (r *Router) handleSamplesSSE(w http.ResponseWriter, req *http.Request) {
	caller, key, ok := r.authorizeStream(w, req)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	hub := r.ingest.Hub()
	client := ws.NewSSEClient(w, flusher, "sample", r.logger.With("component", "sse", "stream", key))
	if !hub.RegisterFor(key, caller.Identity, client) {
		return
	}
	defer hub.Unregister(key, client)
	defer client.Close()
	go r.guardStream(caller, client.Done(), client.Close)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-hub.Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if client.Closed() {
				return
			}
			if time.Since(client.LastActivity()) < sseHeartbeat/2 {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
