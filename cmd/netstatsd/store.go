package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/netusage/internal/app/migrate"
	"github.com/splax/netusage/internal/repository"
	"github.com/splax/netusage/internal/repository/memory"
	"github.com/splax/netusage/internal/repository/postgres"
	"github.com/splax/netusage/internal/repository/sqlite"
	"github.com/splax/netusage/pkg/config"
)

// openStore connects the configured backend and returns it with a health check.
func openStore(ctx context.Context, cfg config.ServiceConfig, log *slog.Logger) (repository.Store, func(context.Context) error, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.New(pool), pool.Ping, nil
	case config.StoreSQLite:
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("sqlite store opened", "path", cfg.SQLitePath)
		return repo, repo.Ping, nil
	default:
		log.Info("using in-memory store", "max_samples", cfg.MaxSamples)
		return memory.New(cfg.MaxSamples), nil, nil
	}
}
