package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/netusage/internal/service/access"
	"github.com/splax/netusage/internal/service/auth"
	"github.com/splax/netusage/internal/service/ingest"
	"github.com/splax/netusage/internal/service/stats"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitToken     = 12
	rateLimitQuery     = 120
	rateLimitAdmin     = 60
	rateLimitIngest    = 6000
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	streamRecheckEvery = 5 * time.Second
)

// Dependencies bundles the services the router exposes.
type Dependencies struct {
	Logger         *slog.Logger
	Auth           *auth.Service
	Stats          *stats.Service
	Access         *access.Gate
	Ingest         *ingest.Service
	Limiter        RateLimiter
	CollectorToken string
	StoreHealth    func(context.Context) error
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux            chi.Router
	logger         *slog.Logger
	auth           *auth.Service
	stats          *stats.Service
	access         *access.Gate
	ingest         *ingest.Service
	limiter        RateLimiter
	collectorToken string
	storeHealth    func(context.Context) error
	upgrader       websocket.Upgrader
	streamRecheck  time.Duration

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	deniedQueries  *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:            chi.NewRouter(),
		logger:         logger,
		auth:           deps.Auth,
		stats:          deps.Stats,
		access:         deps.Access,
		ingest:         deps.Ingest,
		limiter:        deps.Limiter,
		collectorToken: strings.TrimSpace(deps.CollectorToken),
		storeHealth:    deps.StoreHealth,
		streamRecheck:  streamRecheckEvery,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	reg, gatherer := deps.Registerer, deps.Gatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(reg)
	r.register(gatherer)
	if r.access != nil {
		r.access.OnChange(r.dropRevokedStreams)
	}
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register(gatherer prometheus.Gatherer) {
	m := r.mux
	m.Use(middleware.RequestID)
	m.Use(middleware.Recoverer)
	m.Use(r.audit)
	m.NotFound(func(w http.ResponseWriter, _ *http.Request) { writeError(w, http.StatusNotFound, "not found") })
	m.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	m.Get("/healthz", r.handleHealthz)
	m.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	m.With(r.rateLimit("token", rateLimitToken, rateWindowDefault, rateLimitKeyIP)).
		Post("/auth/token", r.handleToken)

	m.Route("/v1", func(v1 chi.Router) {
		v1.With(r.requireCollector, r.rateLimit("ingest", rateLimitIngest, rateWindowDefault, rateLimitKeyIP)).
			Post("/samples", r.handleIngest)

		v1.Group(func(authed chi.Router) {
			authed.Use(r.requireAuth)

			authed.Group(func(q chi.Router) {
				q.Use(r.rateLimit("stats", rateLimitQuery, rateWindowDefault, rateLimitKeyCaller))
				q.Get("/stats/device", r.handleDeviceSummary)
				q.Get("/stats/user", r.handleUserSummary)
				q.Get("/stats/summary", r.handleSummary)
				q.Get("/stats/details", r.handleDetails)
				q.Get("/stats/details/{uid}", r.handleDetailsForUID)
			})

			authed.Group(func(s chi.Router) {
				s.Use(r.rateLimit("stream", rateLimitStream, rateWindowRealtime, rateLimitKeyCaller))
				s.Get("/ws/samples", r.handleSamplesWS)
				s.Get("/samples/stream", r.handleSamplesSSE)
			})

			authed.Route("/admin", func(admin chi.Router) {
				admin.Use(r.requireAdmin)
				admin.Use(r.rateLimit("admin", rateLimitAdmin, rateWindowDefault, rateLimitKeyCaller))
				admin.Get("/appops/{identity}/{op}", r.handleGetAppOp)
				admin.Put("/appops/{identity}/{op}", r.handleSetAppOp)
				admin.Post("/callers", r.handleCreateCaller)
			})
		})
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.storeHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.storeHealth(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
		if status == http.StatusForbidden && strings.HasPrefix(route, "/v1/stats/") {
			r.recordDenied(route)
		}
		if route == "/metrics" {
			return
		}

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := middleware.GetReqID(req.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if caller, ok := callerFromContext(ctx); ok {
			actor = "caller"
			fields = append(fields, "identity", caller.Identity, "uid", caller.UID)
		} else if strings.HasPrefix(req.URL.Path, "/v1/samples") && req.Method == http.MethodPost {
			actor = "collector"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}
