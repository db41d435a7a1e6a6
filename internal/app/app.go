// Package app builds the explicit application context shared by the server
// handlers: one store, one hub, one runner and the orchestrators over them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/raphaelgruber/runhub/internal/catalog"
	"github.com/raphaelgruber/runhub/internal/config"
	"github.com/raphaelgruber/runhub/internal/db"
	"github.com/raphaelgruber/runhub/internal/hub"
	"github.com/raphaelgruber/runhub/internal/logsink"
	"github.com/raphaelgruber/runhub/internal/metrics"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/runner"
	"github.com/raphaelgruber/runhub/internal/service"
	"github.com/raphaelgruber/runhub/internal/sqlstore"
	"github.com/raphaelgruber/runhub/internal/store"
)

// App is constructed once at process start and passed by reference.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   store.Store
	Hub     *hub.Hub
	Sink    *logsink.Sink
	Runner  *runner.Runner
	Runs    *service.RunManager
	Metrics *metrics.Collector
	Status  *service.StatusService
	Sweeper *service.Sweeper

	Optimizations *service.Orchestrator
	Scripts       *service.Orchestrator
}

// OpenStore connects the backend selected by cfg.Store.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		return sqlstore.Open(ctx, sqlstore.SQLite, cfg.SQLitePath, logger)
	case config.StorePostgres:
		return sqlstore.Open(ctx, sqlstore.Postgres, cfg.PostgresDSN, logger)
	case config.StoreSurreal:
		c, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := c.InitSchema(ctx); err != nil {
			return nil, errors.Join(err, c.Close(ctx))
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store)
}

// New opens the store, syncs the catalog and wires every component.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	s, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := catalog.LoadAndSync(ctx, s, cfg.Catalog, logger); err != nil {
		return nil, errors.Join(fmt.Errorf("load catalog: %w", err), s.Close(ctx))
	}
	return NewWithStore(cfg, s, logger), nil
}

// NewWithStore wires components over an already opened store.
func NewWithStore(cfg config.Config, s store.Store, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}

	h := hub.New(cfg.HubBuffer, logger)
	sink := logsink.New(s, logger)
	interpreters := map[string]string{}
	if cfg.Python != "" {
		interpreters[".py"] = cfg.Python
	}
	r := runner.New(sink, h, runner.Options{
		Interpreters: interpreters,
		KillGrace:    cfg.KillGrace,
		Logger:       logger,
	})
	runs := service.NewRunManager()
	m := metrics.NewCollector()

	scriptRoot := cfg.ScriptRoot
	if abs, err := filepath.Abs(scriptRoot); err == nil {
		scriptRoot = abs
	}
	deps := service.Deps{
		Store:              s,
		Runner:             r,
		Sink:               sink,
		Hub:                h,
		Runs:               runs,
		Metrics:            m,
		Logger:             logger,
		LogDir:             cfg.LogDir,
		ScriptRoot:         scriptRoot,
		QuotaLocation:      cfg.Location(),
		QuotaIncludeActive: cfg.QuotaIncludeActive,
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Store:         s,
		Hub:           h,
		Sink:          sink,
		Runner:        r,
		Runs:          runs,
		Metrics:       m,
		Status:        service.NewStatusService(s, runs, cfg.StatusLogLimit),
		Sweeper:       service.NewSweeper(s, runs, h, service.SweeperOptions{MaxAge: cfg.OrphanMaxAge, Interval: cfg.SweepInterval, Logger: logger}),
		Optimizations: service.NewOrchestrator(service.NewOptimizationProfile(cfg.QuotaCategories), deps),
		Scripts:       service.NewOrchestrator(service.NewScriptProfile(), deps),
	}
}

// Orchestrator returns the orchestrator for kind.
func (a *App) Orchestrator(kind models.RunKind) (*service.Orchestrator, bool) {
	switch kind {
	case models.KindOptimization:
		return a.Optimizations, true
	case models.KindScript:
		return a.Scripts, true
	}
	return nil, false
}

// Close cancels active runs, waits for them to finalize and closes the store.
func (a *App) Close(ctx context.Context) error {
	err := errors.Join(
		a.Optimizations.Close(ctx),
		a.Scripts.Close(ctx),
	)
	return errors.Join(err, a.Store.Close(ctx))
}
