// Package main provides the runhub MCP server, exposing the runhub API as
// tools over stdio.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/config"
	"github.com/raphaelgruber/runhub/internal/tools"
)

const version = "0.1.0"

func main() {
	cfg := config.Load()

	// stdout carries the protocol, so logs go to stderr and the log file only.
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	c := client.New(cfg.ServerURL)
	logger.Info("runhub-mcp starting", "version", version, "server", c.Endpoint())
	if err := c.Health(ctx); err != nil {
		logger.Warn("runhub-server not reachable yet", "error", err)
	}

	srv := tools.NewServer(version, &tools.Dependencies{Client: c, Logger: logger})
	logger.Info("server ready, awaiting connections")

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server error", "error", err)
		cleanup()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
