package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/splax/netusage/internal/app/migrate"
	"github.com/splax/netusage/pkg/config"
	"github.com/splax/netusage/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	log := logger.New("migrate", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))
	dsn := config.GetString("DATABASE_URL", "postgres://netusage:netusage@db:5432/netusage?sslmode=disable")
	dir := config.GetString("DB_MIGRATIONS_DIR", "db/migrations")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(dsn, dir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", *command)
}
