package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/models"
)

// triggeredBy marks runs started through the MCP tools.
const triggeredBy = "mcp"

// TriggerJobInput defines the input schema for the trigger_job tool.
type TriggerJobInput struct {
	ModelID      string         `json:"model_id" jsonschema:"Id of the optimization model to run"`
	DataSourceID string         `json:"data_source_id,omitempty" jsonschema:"Data source passed to the model as DATA_SOURCE_ID"`
	Config       map[string]any `json:"config,omitempty" jsonschema:"Model configuration object, passed as CONFIG"`
}

// NewTriggerJobHandler creates the trigger_job tool handler.
func NewTriggerJobHandler(deps *Dependencies) mcp.ToolHandlerFor[TriggerJobInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input TriggerJobInput) (
		*mcp.CallToolResult, any, error,
	) {
		if input.ModelID == "" {
			return ErrorResult("model_id cannot be empty", "Use list_models to find valid ids"), nil, nil
		}
		raw, err := marshalConfig(input.Config)
		if err != nil {
			return ErrorResult("Invalid config", err.Error()), nil, nil
		}

		body := models.TriggerJobRequest{ModelID: input.ModelID, Config: raw, TriggeredBy: triggeredBy}
		if input.DataSourceID != "" {
			body.DataSourceID = &input.DataSourceID
		}
		resp, err := deps.Client.TriggerJob(ctx, body)
		if err != nil {
			return deps.apiErrorResult("trigger_job", err), nil, nil
		}

		deps.Logger.Info("job triggered", "model_id", input.ModelID, "run_id", resp.RunID)
		return JSONResult(resp), nil, nil
	}
}

// ExecuteScriptInput defines the input schema for the execute_script tool.
type ExecuteScriptInput struct {
	ScriptID string         `json:"script_id" jsonschema:"Id of the script to execute"`
	Args     []string       `json:"args,omitempty" jsonschema:"Extra command line arguments"`
	Config   map[string]any `json:"config,omitempty" jsonschema:"Configuration object, passed as CONFIG"`
}

// NewExecuteScriptHandler creates the execute_script tool handler.
func NewExecuteScriptHandler(deps *Dependencies) mcp.ToolHandlerFor[ExecuteScriptInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ExecuteScriptInput) (
		*mcp.CallToolResult, any, error,
	) {
		if input.ScriptID == "" {
			return ErrorResult("script_id cannot be empty", "Use list_scripts to find valid ids"), nil, nil
		}
		raw, err := marshalConfig(input.Config)
		if err != nil {
			return ErrorResult("Invalid config", err.Error()), nil, nil
		}

		resp, err := deps.Client.ExecuteScript(ctx, input.ScriptID, models.ExecuteScriptRequest{
			Args:        input.Args,
			Config:      raw,
			TriggeredBy: triggeredBy,
		})
		if err != nil {
			return deps.apiErrorResult("execute_script", err), nil, nil
		}

		deps.Logger.Info("script executed", "script_id", input.ScriptID, "run_id", resp.RunID)
		return JSONResult(resp), nil, nil
	}
}

// RunIDInput is shared by the tools that address a single run.
type RunIDInput struct {
	RunID string `json:"run_id" jsonschema:"Run id as returned by trigger_job or execute_script"`
}

// RunStatusInput defines the input schema for the run_status tool.
type RunStatusInput struct {
	RunID string `json:"run_id" jsonschema:"Run id as returned by trigger_job or execute_script"`
	Logs  int    `json:"logs,omitempty" jsonschema:"Number of latest log lines to include (default 20, max 1000)"`
}

// NewRunStatusHandler creates the run_status tool handler.
func NewRunStatusHandler(deps *Dependencies) mcp.ToolHandlerFor[RunStatusInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunStatusInput) (
		*mcp.CallToolResult, any, error,
	) {
		if input.RunID == "" {
			return ErrorResult("run_id cannot be empty", "Use list_runs to find valid ids"), nil, nil
		}
		logs := input.Logs
		if logs <= 0 {
			logs = 20
		}
		if logs > 1000 {
			return ErrorResult("logs must be 1-1000", "Use run_logs to page through longer output"), nil, nil
		}

		st, err := deps.Client.Status(ctx, input.RunID, logs)
		if err != nil {
			return deps.apiErrorResult("run_status", err), nil, nil
		}
		return JSONResult(st), nil, nil
	}
}

// RunLogsInput defines the input schema for the run_logs tool.
type RunLogsInput struct {
	RunID  string `json:"run_id" jsonschema:"Run id"`
	Level  string `json:"level,omitempty" jsonschema:"Only lines of this level (info, warning, error, stdout, stderr)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Page size (default 100, max 1000)"`
	Offset int    `json:"offset,omitempty" jsonschema:"Lines to skip"`
}

// NewRunLogsHandler creates the run_logs tool handler.
func NewRunLogsHandler(deps *Dependencies) mcp.ToolHandlerFor[RunLogsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunLogsInput) (
		*mcp.CallToolResult, any, error,
	) {
		if input.RunID == "" {
			return ErrorResult("run_id cannot be empty", "Use list_runs to find valid ids"), nil, nil
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		if limit > 1000 || input.Offset < 0 {
			return ErrorResult("limit must be 1-1000 and offset non-negative", "Reduce limit value"), nil, nil
		}
		level := models.LogLevel(input.Level)
		if level != "" && !level.Valid() {
			return ErrorResult("Unknown level "+input.Level, "Use info, warning, error, stdout or stderr"), nil, nil
		}

		page, err := deps.Client.Logs(ctx, input.RunID, client.LogQuery{
			Level:  level,
			Limit:  limit,
			Offset: input.Offset,
		})
		if err != nil {
			return deps.apiErrorResult("run_logs", err), nil, nil
		}
		return JSONResult(page), nil, nil
	}
}

// ListRunsInput defines the input schema for the list_runs tool.
type ListRunsInput struct {
	Kind         string   `json:"kind,omitempty" jsonschema:"optimization or script"`
	Category     string   `json:"category,omitempty" jsonschema:"Model category or script category"`
	TargetID     string   `json:"target_id,omitempty" jsonschema:"Model or script id"`
	DataSourceID string   `json:"data_source_id,omitempty" jsonschema:"Data source id"`
	Statuses     []string `json:"statuses,omitempty" jsonschema:"Any of pending, running, success, failed, cancelled"`
	Limit        int      `json:"limit,omitempty" jsonschema:"Page size (default 20, max 200)"`
	Offset       int      `json:"offset,omitempty" jsonschema:"Runs to skip"`
}

// NewListRunsHandler creates the list_runs tool handler.
func NewListRunsHandler(deps *Dependencies) mcp.ToolHandlerFor[ListRunsInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListRunsInput) (
		*mcp.CallToolResult, any, error,
	) {
		q := client.RunQuery{
			Kind:         models.RunKind(input.Kind),
			Category:     input.Category,
			TargetID:     input.TargetID,
			DataSourceID: input.DataSourceID,
			Limit:        input.Limit,
			Offset:       input.Offset,
		}
		if q.Kind != "" && !q.Kind.Valid() {
			return ErrorResult("Unknown kind "+input.Kind, "Use optimization or script"), nil, nil
		}
		if q.Limit <= 0 {
			q.Limit = 20
		}
		if q.Limit > 200 {
			return ErrorResult("Limit must be 1-200", "Reduce limit value"), nil, nil
		}
		for _, s := range input.Statuses {
			status := models.RunStatus(s)
			if !status.Valid() {
				return ErrorResult("Unknown status "+s, "Use pending, running, success, failed or cancelled"), nil, nil
			}
			q.Statuses = append(q.Statuses, status)
		}

		page, err := deps.Client.ListRuns(ctx, q)
		if err != nil {
			return deps.apiErrorResult("list_runs", err), nil, nil
		}
		return JSONResult(page), nil, nil
	}
}

// NewCancelRunHandler creates the cancel_run tool handler.
func NewCancelRunHandler(deps *Dependencies) mcp.ToolHandlerFor[RunIDInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input RunIDInput) (
		*mcp.CallToolResult, any, error,
	) {
		if input.RunID == "" {
			return ErrorResult("run_id cannot be empty", "Use list_runs to find active runs"), nil, nil
		}
		if err := deps.Client.Cancel(ctx, input.RunID); err != nil {
			return deps.apiErrorResult("cancel_run", err), nil, nil
		}
		deps.Logger.Info("run cancel requested", "run_id", input.RunID)
		return TextResult(fmt.Sprintf("Cancelling run %s. Use wait_for_run to observe the outcome.", input.RunID)), nil, nil
	}
}

// WaitForRunInput defines the input schema for the wait_for_run tool.
type WaitForRunInput struct {
	RunID          string `json:"run_id" jsonschema:"Run id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"How long to wait (default 60, max 600)"`
	TailLines      int    `json:"tail_lines,omitempty" jsonschema:"Log lines to return from the end of the output (default 20)"`
}

// WaitResult is the response from the wait_for_run tool.
type WaitResult struct {
	RunID    string           `json:"run_id"`
	Finished bool             `json:"finished"`
	Status   models.RunStatus `json:"status,omitempty"`
	Error    string           `json:"error,omitempty"`
	Progress *int             `json:"progress,omitempty"`
	Lines    int              `json:"lines"`
	Tail     []string         `json:"tail"`
}

// NewWaitForRunHandler creates the wait_for_run tool handler.
// Follows the run's event stream until it finishes or the timeout passes.
func NewWaitForRunHandler(deps *Dependencies) mcp.ToolHandlerFor[WaitForRunInput, any] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input WaitForRunInput) (
		*mcp.CallToolResult, any, error,
	) {
		if input.RunID == "" {
			return ErrorResult("run_id cannot be empty", "Use list_runs to find valid ids"), nil, nil
		}
		timeout := time.Duration(input.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = time.Minute
		}
		if timeout > 10*time.Minute {
			return ErrorResult("timeout_seconds must be 1-600", "Call wait_for_run again to keep waiting"), nil, nil
		}
		tailLines := input.TailLines
		if tailLines <= 0 {
			tailLines = 20
		}

		result := WaitResult{RunID: input.RunID, Tail: []string{}}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		final, err := deps.Client.WatchRun(waitCtx, input.RunID, func(ev models.Event) {
			switch ev.Type {
			case models.EventLog:
				result.Lines++
				result.Tail = append(result.Tail, ev.Message)
				if len(result.Tail) > tailLines {
					result.Tail = result.Tail[1:]
				}
			case models.EventProgress:
				result.Progress = ev.Progress
			}
		})
		switch {
		case err == nil:
			result.Finished = true
			result.Status = final.Status
			result.Error = final.Error
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			result.Status = models.StatusRunning
		default:
			return deps.apiErrorResult("wait_for_run", err), nil, nil
		}
		return JSONResult(result), nil, nil
	}
}

func marshalConfig(cfg map[string]any) (json.RawMessage, error) {
	if cfg == nil {
		return nil, nil
	}
	return json.Marshal(cfg)
}
