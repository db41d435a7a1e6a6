package tools

import (
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/runhub/internal/client"
)

// ErrorResult creates a tool error result with optional recovery hint.
// If hint is non-empty, formats as "{msg}. {hint}".
// Returns IsError=true so the caller can see the error and self-correct.
func ErrorResult(msg, hint string) *mcp.CallToolResult {
	text := msg
	if hint != "" {
		text = msg + ". " + hint
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: true,
	}
}

// TextResult creates a success result with text content.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

// JSONResult renders v as indented JSON text.
func JSONResult(v any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult("Failed to encode result", err.Error())
	}
	return TextResult(string(b))
}

// apiErrorResult turns a client error into a tool error with a hint
// matching the server's rejection reason.
func (d *Dependencies) apiErrorResult(op string, err error) *mcp.CallToolResult {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		d.Logger.Error(op+" failed", "error", err)
		return ErrorResult(op+" failed: "+err.Error(), "Check that runhub-server is reachable at "+d.Client.Endpoint())
	}

	msg := apiErr.ErrorResponse.Error
	switch apiErr.Reason {
	case "not_found":
		return ErrorResult(msg, "Use list_models or list_scripts to find valid ids")
	case "invalid_config":
		return ErrorResult(msg, "Pass config as a JSON object")
	case "inactive":
		return ErrorResult(msg, "The target is disabled in the catalog")
	case "quota_exceeded":
		return ErrorResult(msg, "Inspect the existing run "+apiErr.ExistingRunID+" with run_status")
	}
	switch apiErr.StatusCode {
	case 404:
		return ErrorResult(msg, "Use list_runs to find valid run ids")
	case 409:
		return ErrorResult(msg, "The run is no longer active")
	case 503:
		return ErrorResult(msg, "The process could not be started; see run "+apiErr.RunID)
	}
	d.Logger.Error(op+" failed", "status", apiErr.StatusCode, "error", msg)
	return ErrorResult(msg, "")
}
