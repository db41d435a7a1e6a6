package tools

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server wraps the MCP server with its logger and lifecycle.
type Server struct {
	mcp    *mcp.Server
	logger *slog.Logger
}

// NewServer creates an MCP server with every tool registered and the
// logging middleware installed.
func NewServer(version string, deps *Dependencies) *Server {
	impl := &mcp.Implementation{
		Name:    "runhub",
		Version: version,
	}

	mcpServer := mcp.NewServer(impl, nil)
	mcpServer.AddReceivingMiddleware(LoggingMiddleware(deps.Logger))
	RegisterAll(mcpServer, deps)

	return &Server{
		mcp:    mcpServer,
		logger: deps.Logger,
	}
}

// Run serves on stdio and blocks until disconnect or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", "transport", "stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}
