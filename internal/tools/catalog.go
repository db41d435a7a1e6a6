package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/runhub/internal/models"
)

// ListInput is the empty input of the listing tools.
type ListInput struct {
	IncludeInactive bool `json:"include_inactive,omitempty" jsonschema:"Also list disabled entries"`
}

// NewListModelsHandler creates the list_models tool handler.
func NewListModelsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListInput, any] {
	return listHandler(deps, "list_models", func(ctx context.Context) ([]models.Descriptor, error) {
		return deps.Client.Models(ctx)
	})
}

// NewListScriptsHandler creates the list_scripts tool handler.
func NewListScriptsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListInput, any] {
	return listHandler(deps, "list_scripts", func(ctx context.Context) ([]models.Descriptor, error) {
		return deps.Client.Scripts(ctx)
	})
}

func listHandler(deps *Dependencies, op string, fetch func(context.Context) ([]models.Descriptor, error)) mcp.ToolHandlerFor[ListInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListInput) (
		*mcp.CallToolResult, any, error,
	) {
		ds, err := fetch(ctx)
		if err != nil {
			return deps.apiErrorResult(op, err), nil, nil
		}
		out := make([]models.Descriptor, 0, len(ds))
		for _, d := range ds {
			if d.Active || input.IncludeInactive {
				out = append(out, d)
			}
		}
		return JSONResult(out), nil, nil
	}
}

// StatsInput is the empty input of the server_stats tool.
type StatsInput struct{}

// NewServerStatsHandler creates the server_stats tool handler.
func NewServerStatsHandler(deps *Dependencies) mcp.ToolHandlerFor[StatsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input StatsInput) (
		*mcp.CallToolResult, any, error,
	) {
		stats, err := deps.Client.Stats(ctx)
		if err != nil {
			return deps.apiErrorResult("server_stats", err), nil, nil
		}
		return JSONResult(stats), nil, nil
	}
}
