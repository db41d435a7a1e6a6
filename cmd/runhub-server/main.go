// Package main provides the runhub HTTP and websocket server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/runhub/internal/app"
	"github.com/raphaelgruber/runhub/internal/config"
	"github.com/raphaelgruber/runhub/internal/server"
	"github.com/raphaelgruber/runhub/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var extra []slog.Handler
	var tel *telemetry.Telemetry
	if cfg.OTel {
		var err error
		tel, err = telemetry.Setup(context.Background(), telemetry.Options{File: cfg.OTelFile})
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				slog.Error("telemetry shutdown failed", "error", err)
			}
		}()
		extra = append(extra, tel.LogHandler())
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel, extra...)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting runhub-server",
		"port", cfg.ServerPort,
		"store", cfg.Store,
		"catalog", cfg.Catalog,
		"quota_timezone", cfg.QuotaTimezone,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(initCtx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.KillGrace+10*time.Second)
		defer cancel()
		if err := a.Close(ctx); err != nil {
			logger.Error("failed to close app", "error", err)
		}
	}()

	go a.Sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           server.New(a).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("API available", "url", fmt.Sprintf("http://localhost:%s/api", cfg.ServerPort))
		logger.Info("event stream available", "url", fmt.Sprintf("ws://localhost:%s/ws", cfg.ServerPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
