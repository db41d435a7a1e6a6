package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/runhub/internal/config"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/service"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		Store:          config.StoreSQLite,
		SQLitePath:     filepath.Join(dir, "runhub.db"),
		LogDir:         filepath.Join(dir, "logs"),
		ScriptRoot:     dir,
		Python:         "python3",
		KillGrace:      time.Second,
		QuotaTimezone:  "UTC",
		OrphanMaxAge:   time.Hour,
		SweepInterval:  time.Minute,
		Catalog:        filepath.Join(dir, "catalog.yaml"),
		StatusLogLimit: 10,
		HubBuffer:      64,
	}
}

func TestNewRunsCatalogScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ScriptRoot, "hello.sh"), []byte("#!/bin/sh\necho hello from $RUN_KIND\n"), 0o755))
	require.NoError(t, os.WriteFile(cfg.Catalog, []byte("scripts:\n  - id: hello\n    path: hello.sh\n"), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	a, err := New(ctx, cfg, logger)
	require.NoError(t, err)

	orch, ok := a.Orchestrator(models.KindScript)
	require.True(t, ok)
	run, err := orch.Execute(ctx, service.TriggerRequest{TargetID: "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status)

	view, err := a.Status.Status(ctx, run.ID, 0)
	require.NoError(t, err)
	var messages []string
	for _, l := range view.Logs {
		messages = append(messages, l.Message)
	}
	assert.Contains(t, messages, "hello from script")

	require.NoError(t, a.Close(ctx))
}

func TestOrchestratorLookup(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	o, ok := a.Orchestrator(models.KindOptimization)
	require.True(t, ok)
	assert.Same(t, a.Optimizations, o)
	assert.Equal(t, models.KindOptimization, o.Profile().Scope)

	_, ok = a.Orchestrator("batch")
	assert.False(t, ok)
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = "mongo"
	_, err := OpenStore(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestNewBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Catalog, []byte("models: ["), 0o644))
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "load catalog")
}
