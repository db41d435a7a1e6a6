// Package tools exposes the runhub API as MCP tools.
package tools

import (
	"log/slog"

	"github.com/raphaelgruber/runhub/internal/client"
)

// Dependencies holds shared dependencies for tool handlers.
type Dependencies struct {
	Client *client.Client
	Logger *slog.Logger
}
