package config

import (
	"fmt"
	"strings"
	"time"
)

// Store drivers understood by the service.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// ServiceConfig holds runtime configuration for the accounting service.
type ServiceConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	StoreDriver   string
	DatabaseURL   string
	MigrationsDir string
	SQLitePath    string

	JWTSecret      string
	TokenTTL       time.Duration
	CollectorToken string
	AdminIdentity  string
	AdminSecret    string
	AdminUID       int

	HistoryBucketSpan   time.Duration
	SampleRetention     time.Duration
	RetentionSweepEvery time.Duration
	MaxSamples          int
	ArchiveDir          string

	DefaultUsageMode    string
	DefaultSettingsMode string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadServiceConfig constructs a ServiceConfig from environment variables and,
// when NETUSAGE_CONFIG_FILE is set, overlays values from that TOML file.
func LoadServiceConfig() (ServiceConfig, error) {
	cfg := ServiceConfig{
		Environment:         GetString("APP_ENV", "development"),
		Addr:                GetString("NETUSAGE_ADDR", ":4100"),
		LogLevel:            GetString("LOG_LEVEL", "info"),
		StoreDriver:         strings.ToLower(GetString("STORE_DRIVER", StoreMemory)),
		DatabaseURL:         GetString("DATABASE_URL", "postgres://netusage:netusage@db:5432/netusage?sslmode=disable"),
		MigrationsDir:       GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		SQLitePath:          GetString("SQLITE_PATH", "data/netusage.db"),
		JWTSecret:           GetString("JWT_SECRET", "supersecuresecret"),
		TokenTTL:            time.Duration(GetInt("TOKEN_TTL_MIN", 60)) * time.Minute,
		CollectorToken:      GetString("COLLECTOR_TOKEN", ""),
		AdminIdentity:       GetString("ADMIN_IDENTITY", "android"),
		AdminSecret:         GetString("ADMIN_SECRET", ""),
		AdminUID:            GetInt("ADMIN_UID", 1000),
		HistoryBucketSpan:   GetSeconds("HISTORY_BUCKET_SECONDS", 2*time.Hour),
		SampleRetention:     time.Duration(GetInt("SAMPLE_RETENTION_HOURS", 24*90)) * time.Hour,
		RetentionSweepEvery: GetSeconds("RETENTION_SWEEP_SECONDS", 10*time.Minute),
		MaxSamples:          GetInt("MAX_SAMPLES", 1_000_000),
		ArchiveDir:          GetString("ARCHIVE_DIR", ""),
		DefaultUsageMode:    GetString("ACCESS_DEFAULT_USAGE_MODE", "deny"),
		DefaultSettingsMode: GetString("ACCESS_DEFAULT_SETTINGS_MODE", "deny"),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:  GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:    GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
	if path := strings.TrimSpace(GetString("NETUSAGE_CONFIG_FILE", "")); path != "" {
		if err := ApplyFile(&cfg, path); err != nil {
			return ServiceConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c ServiceConfig) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StorePostgres, StoreSQLite:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	if c.HistoryBucketSpan < time.Millisecond {
		return fmt.Errorf("config: history bucket span must be at least 1ms, got %s", c.HistoryBucketSpan)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: jwt secret required")
	}
	for name, mode := range map[string]string{"usage": c.DefaultUsageMode, "settings": c.DefaultSettingsMode} {
		switch strings.ToLower(strings.TrimSpace(mode)) {
		case "allow", "deny":
		default:
			return fmt.Errorf("config: invalid default %s mode %q", name, mode)
		}
	}
	return nil
}
