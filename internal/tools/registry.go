package tools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterAll registers all tools with the MCP server.
// This is called from main after server creation but before Run().
func RegisterAll(server *mcp.Server, deps *Dependencies) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_models",
		Description: "List the optimization models that trigger_job can run",
	}, NewListModelsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_scripts",
		Description: "List the scripts that execute_script can run",
	}, NewListScriptsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "trigger_job",
		Description: "Start an optimization run. Quota-limited categories run at most once per day",
	}, NewTriggerJobHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "execute_script",
		Description: "Start a script run",
	}, NewExecuteScriptHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_status",
		Description: "Get a run's status, progress, metrics and latest log lines",
	}, NewRunStatusHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_logs",
		Description: "Page through a run's stored log lines",
	}, NewRunLogsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_runs",
		Description: "List runs, newest first, filtered by kind, category, target or status",
	}, NewListRunsHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_run",
		Description: "Stop an active run",
	}, NewCancelRunHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wait_for_run",
		Description: "Follow a run's live output until it finishes or the timeout passes",
	}, NewWaitForRunHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "server_stats",
		Description: "Runtime statistics of the runhub server",
	}, NewServerStatsHandler(deps))
}
