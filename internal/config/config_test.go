package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no stray .env
	for _, key := range []string{"RUNHUB_STORE", "RUNHUB_KILL_GRACE", "RUNHUB_QUOTA_CATEGORIES", "RUNHUB_QUOTA_INCLUDE_ACTIVE", "SURREALDB_NAMESPACE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 10*time.Second, cfg.KillGrace)
	assert.Equal(t, []string{"DMO"}, cfg.QuotaCategories)
	assert.False(t, cfg.QuotaIncludeActive)
	assert.Equal(t, "runhub", cfg.SurrealDBNamespace)
	assert.Equal(t, 6*time.Hour, cfg.OrphanMaxAge)
	assert.Equal(t, 256, cfg.HubBuffer)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RUNHUB_STORE", "Postgres")
	t.Setenv("RUNHUB_POSTGRES_DSN", "postgres://localhost/runhub")
	t.Setenv("RUNHUB_QUOTA_TIMEZONE", "Europe/Vienna")
	t.Setenv("RUNHUB_QUOTA_CATEGORIES", "DMO, IDM ,")
	t.Setenv("RUNHUB_QUOTA_INCLUDE_ACTIVE", "true")
	t.Setenv("RUNHUB_KILL_GRACE", "3s")
	t.Setenv("RUNHUB_LOG_LEVEL", "warning")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, []string{"DMO", "IDM"}, cfg.QuotaCategories)
	assert.True(t, cfg.QuotaIncludeActive)
	assert.Equal(t, 3*time.Second, cfg.KillGrace)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, "Europe/Vienna", cfg.Location().String())
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RUNHUB_SERVER_PORT=9999\nRUNHUB_PYTHON=/opt/py\n"), 0o644))
	t.Setenv("RUNHUB_SERVER_PORT", "7000")
	t.Setenv("RUNHUB_PYTHON", "")
	os.Unsetenv("RUNHUB_PYTHON")

	cfg := Load()
	assert.Equal(t, "7000", cfg.ServerPort)
	assert.Equal(t, "/opt/py", cfg.Python)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:         StoreSQLite,
			QuotaTimezone: "UTC",
			KillGrace:     time.Second,
			OrphanMaxAge:  time.Hour,
			SweepInterval: time.Minute,
			ClientTimeout: time.Second,
			HubBuffer:     8,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown store", func(c *Config) { c.Store = "mysql" }, `unknown store backend "mysql"`},
		{"postgres without dsn", func(c *Config) { c.Store = StorePostgres }, "RUNHUB_POSTGRES_DSN"},
		{"bad timezone", func(c *Config) { c.QuotaTimezone = "Mars/Olympus" }, "RUNHUB_QUOTA_TIMEZONE"},
		{"zero grace", func(c *Config) { c.KillGrace = 0 }, "RUNHUB_KILL_GRACE"},
		{"negative sweep", func(c *Config) { c.SweepInterval = -time.Second }, "RUNHUB_SWEEP_INTERVAL"},
		{"zero buffer", func(c *Config) { c.HubBuffer = 0 }, "RUNHUB_HUB_BUFFER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUnparsableDurationFailsValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RUNHUB_ORPHAN_MAX_AGE", "soon")
	cfg := Load()
	assert.Zero(t, cfg.OrphanMaxAge)
	assert.ErrorContains(t, cfg.Validate(), "RUNHUB_ORPHAN_MAX_AGE")
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("run started", "run_id", "DMO_1_abc")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "run_id=DMO_1_abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "run started", entry["msg"])
	assert.Equal(t, "DMO_1_abc", entry["run_id"])
}

func TestSetupLoggerExtraHandler(t *testing.T) {
	var extra bytes.Buffer
	logFile := filepath.Join(t.TempDir(), "runhub.log")

	logger, cleanup := SetupLogger(logFile, slog.LevelInfo, slog.NewTextHandler(&extra, nil))
	logger.Info("fanned out")
	require.NoError(t, cleanup())

	assert.Contains(t, extra.String(), "fanned out")
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"fanned out"`)
}
