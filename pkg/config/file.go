package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// fileConfig mirrors ServiceConfig for TOML files. Unset keys leave the
// environment-derived value in place.
type fileConfig struct {
	Addr     *string `toml:"addr"`
	LogLevel *string `toml:"log_level"`

	Store struct {
		Driver        *string `toml:"driver"`
		DatabaseURL   *string `toml:"database_url"`
		MigrationsDir *string `toml:"migrations_dir"`
		SQLitePath    *string `toml:"sqlite_path"`
	} `toml:"store"`

	Auth struct {
		JWTSecret      *string `toml:"jwt_secret"`
		TokenTTL       *string `toml:"token_ttl"`
		CollectorToken *string `toml:"collector_token"`
		AdminIdentity  *string `toml:"admin_identity"`
		AdminSecret    *string `toml:"admin_secret"`
		AdminUID       *int    `toml:"admin_uid"`
	} `toml:"auth"`

	Accounting struct {
		HistoryBucketSpan   *string `toml:"history_bucket_span"`
		SampleRetention     *string `toml:"sample_retention"`
		RetentionSweepEvery *string `toml:"retention_sweep_every"`
		MaxSamples          *int    `toml:"max_samples"`
		ArchiveDir          *string `toml:"archive_dir"`
	} `toml:"accounting"`

	Access struct {
		DefaultUsageMode    *string `toml:"default_usage_mode"`
		DefaultSettingsMode *string `toml:"default_settings_mode"`
	} `toml:"access"`

	RateLimit struct {
		RedisAddr     *string `toml:"redis_addr"`
		RedisPassword *string `toml:"redis_password"`
		RedisDB       *int    `toml:"redis_db"`
	} `toml:"rate_limit"`
}

// ApplyFile overlays the TOML file at path onto cfg.
func ApplyFile(cfg *ServiceConfig, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}

	setString(&cfg.Addr, fc.Addr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.StoreDriver, fc.Store.Driver)
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	setString(&cfg.DatabaseURL, fc.Store.DatabaseURL)
	setString(&cfg.MigrationsDir, fc.Store.MigrationsDir)
	setString(&cfg.SQLitePath, fc.Store.SQLitePath)
	setString(&cfg.JWTSecret, fc.Auth.JWTSecret)
	setString(&cfg.CollectorToken, fc.Auth.CollectorToken)
	setString(&cfg.AdminIdentity, fc.Auth.AdminIdentity)
	setString(&cfg.AdminSecret, fc.Auth.AdminSecret)
	setInt(&cfg.AdminUID, fc.Auth.AdminUID)
	setInt(&cfg.MaxSamples, fc.Accounting.MaxSamples)
	setString(&cfg.ArchiveDir, fc.Accounting.ArchiveDir)
	setString(&cfg.DefaultUsageMode, fc.Access.DefaultUsageMode)
	setString(&cfg.DefaultSettingsMode, fc.Access.DefaultSettingsMode)
	setString(&cfg.RateLimitRedisAddr, fc.RateLimit.RedisAddr)
	setString(&cfg.RateLimitRedisPass, fc.RateLimit.RedisPassword)
	setInt(&cfg.RateLimitRedisDB, fc.RateLimit.RedisDB)

	durations := []struct {
		key string
		dst *time.Duration
		src *string
	}{
		{"auth.token_ttl", &cfg.TokenTTL, fc.Auth.TokenTTL},
		{"accounting.history_bucket_span", &cfg.HistoryBucketSpan, fc.Accounting.HistoryBucketSpan},
		{"accounting.sample_retention", &cfg.SampleRetention, fc.Accounting.SampleRetention},
		{"accounting.retention_sweep_every", &cfg.RetentionSweepEvery, fc.Accounting.RetentionSweepEvery},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(*d.src))
		if err != nil {
			return fmt.Errorf("config %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
