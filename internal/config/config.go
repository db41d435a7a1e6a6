// Package config loads runhub configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // quota timezones on hosts without zoneinfo

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreSurreal  = "surrealdb"
)

// Config holds all configuration values.
type Config struct {
	// Execution Record Store
	Store       string
	SQLitePath  string
	PostgresDSN string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Process execution
	LogDir     string
	ScriptRoot string
	Python     string
	KillGrace  time.Duration

	// Daily quota
	QuotaTimezone      string
	QuotaCategories    []string
	QuotaIncludeActive bool

	// Orphan sweep
	OrphanMaxAge  time.Duration
	SweepInterval time.Duration

	Catalog        string
	StatusLogLimit int
	HubBuffer      int

	// Server / client
	ServerPort    string
	ServerURL     string
	ClientTimeout time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Telemetry
	OTel     bool
	OTelFile string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is read first; variables already set take precedence.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Store:       strings.ToLower(getEnv("RUNHUB_STORE", StoreSQLite)),
		SQLitePath:  getEnv("RUNHUB_SQLITE_PATH", "runhub.db"),
		PostgresDSN: getEnv("RUNHUB_POSTGRES_DSN", ""),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "runhub"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "runhub"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LogDir:     getEnv("RUNHUB_LOG_DIR", "logs"),
		ScriptRoot: getEnv("RUNHUB_SCRIPT_ROOT", "."),
		Python:     getEnv("RUNHUB_PYTHON", "python3"),
		KillGrace:  getDuration("RUNHUB_KILL_GRACE", 10*time.Second),

		QuotaTimezone:      getEnv("RUNHUB_QUOTA_TIMEZONE", "UTC"),
		QuotaCategories:    splitList(getEnv("RUNHUB_QUOTA_CATEGORIES", "DMO")),
		QuotaIncludeActive: getBool("RUNHUB_QUOTA_INCLUDE_ACTIVE", false),

		OrphanMaxAge:  getDuration("RUNHUB_ORPHAN_MAX_AGE", 6*time.Hour),
		SweepInterval: getDuration("RUNHUB_SWEEP_INTERVAL", 10*time.Minute),

		Catalog:        getEnv("RUNHUB_CATALOG", "catalog.yaml"),
		StatusLogLimit: getInt("RUNHUB_STATUS_LOG_LIMIT", 100),
		HubBuffer:      getInt("RUNHUB_HUB_BUFFER", 256),

		ServerPort:    getEnv("RUNHUB_SERVER_PORT", "8484"),
		ServerURL:     getEnv("RUNHUB_SERVER_URL", "http://localhost:8484"),
		ClientTimeout: getDuration("RUNHUB_CLIENT_TIMEOUT", 30*time.Second),

		LogFile:  getEnv("RUNHUB_LOG_FILE", "/tmp/runhub.log"),
		LogLevel: parseLogLevel(getEnv("RUNHUB_LOG_LEVEL", "INFO")),

		OTel:     getBool("RUNHUB_OTEL", false),
		OTelFile: getEnv("RUNHUB_OTEL_FILE", ""),
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreSQLite, StoreSurreal:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("RUNHUB_POSTGRES_DSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store))
	}

	if _, err := time.LoadLocation(c.QuotaTimezone); err != nil {
		errs = append(errs, fmt.Errorf("RUNHUB_QUOTA_TIMEZONE: %w", err))
	}

	for name, d := range map[string]time.Duration{
		"RUNHUB_KILL_GRACE":     c.KillGrace,
		"RUNHUB_ORPHAN_MAX_AGE": c.OrphanMaxAge,
		"RUNHUB_SWEEP_INTERVAL": c.SweepInterval,
		"RUNHUB_CLIENT_TIMEOUT": c.ClientTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.HubBuffer <= 0 {
		errs = append(errs, fmt.Errorf("RUNHUB_HUB_BUFFER must be positive, got %d", c.HubBuffer))
	}

	return errors.Join(errs...)
}

// Location returns the quota timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.QuotaTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		// Validate reports the zero value.
		return 0
	}
	return d
}

func getInt(key string, defaultVal int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return n
}

func getBool(key string, defaultVal bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultVal
	}
	return b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
