package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/netusage/internal/archive"
	"github.com/splax/netusage/internal/domain"
	httpx "github.com/splax/netusage/internal/http"
	"github.com/splax/netusage/internal/service/access"
	"github.com/splax/netusage/internal/service/auth"
	"github.com/splax/netusage/internal/service/ingest"
	"github.com/splax/netusage/internal/service/stats"
	"github.com/splax/netusage/internal/ws"
	"github.com/splax/netusage/pkg/config"
	"github.com/splax/netusage/pkg/logger"
)

func main() {
	cfg, err := config.LoadServiceConfig()
	if err != nil {
		logger.New("netstatsd", logger.ParseLevel("info")).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("netstatsd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeHealth, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	gate := access.New(store, access.Defaults{
		UsageAccess:   domain.PermissionMode(strings.ToLower(cfg.DefaultUsageMode)),
		WriteSettings: domain.PermissionMode(strings.ToLower(cfg.DefaultSettingsMode)),
	}, log.With("component", "access"))
	statsSvc := stats.New(store, gate, log.With("component", "stats"), cfg.HistoryBucketSpan)

	authSvc := auth.New(store, log.With("component", "auth"), cfg)
	if err := authSvc.EnsureBootstrapAdmin(ctx); err != nil {
		log.Error("failed to seed admin caller", "error", err)
		os.Exit(1)
	}

	metrics := ingest.NewMetrics(prometheus.DefaultRegisterer)
	hub := ws.NewHub(0)
	hub.OnDrop(metrics.ObserveDrop)
	go hub.Run(ctx)

	opts := ingest.Options{
		Retention:  cfg.SampleRetention,
		SweepEvery: cfg.RetentionSweepEvery,
		Metrics:    metrics,
	}
	if dir := strings.TrimSpace(cfg.ArchiveDir); dir != "" {
		opts.Archiver = archive.NewWriter(dir)
		log.Info("archiving pruned samples", "dir", dir)
	}
	ingestSvc := ingest.New(store, hub, log, opts)
	go ingestSvc.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:         log,
		Auth:           authSvc,
		Stats:          statsSvc,
		Access:         gate,
		Ingest:         ingestSvc,
		Limiter:        limiter,
		CollectorToken: cfg.CollectorToken,
		StoreHealth:    storeHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("netstatsd starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "bucket_span", cfg.HistoryBucketSpan.String())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("netstatsd stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
