package tools_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/runhub/internal/app"
	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/config"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/server"
	"github.com/raphaelgruber/runhub/internal/tools"
)

// connect starts a runhub server with a small catalog and returns an MCP
// client session wired to it through in-memory transports.
func connect(t *testing.T) *mcp.ClientSession {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	dir := t.TempDir()
	cfg := config.Config{
		Store:           config.StoreSQLite,
		SQLitePath:      filepath.Join(dir, "runhub.db"),
		LogDir:          filepath.Join(dir, "logs"),
		ScriptRoot:      dir,
		KillGrace:       2 * time.Second,
		QuotaTimezone:   "UTC",
		QuotaCategories: []string{"DMO"},
		OrphanMaxAge:    time.Hour,
		SweepInterval:   time.Minute,
		Catalog:         filepath.Join(dir, "catalog.yaml"),
		StatusLogLimit:  20,
		HubBuffer:       256,
	}
	files := map[string]string{
		"plan.sh":  "echo \"planning $DATA_SOURCE_ID\"\necho \"PROGRESS:50\"\necho \"Results written: 7\"\n",
		"sleep.sh": "echo \"sleeping\"\nexec sleep 30\n",
		"check.sh": "echo \"checked $*\"\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755))
	}
	catalog := `
models:
  - {id: plan, name: Planner, category: DMO, path: plan.sh}
  - {id: sleep, category: RT, path: sleep.sh}
  - {id: old, category: RT, path: plan.sh, active: false}
scripts:
  - {id: check, path: check.sh}
`
	require.NoError(t, os.WriteFile(cfg.Catalog, []byte(catalog), 0o644))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	ts := httptest.NewServer(server.New(a).Handler())

	deps := &tools.Dependencies{Client: client.New(ts.URL), Logger: logger}
	srv := tools.NewServer("0.0.1-test", deps)

	ctx, cancel := context.WithCancel(context.Background())
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	mcpClient := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := mcpClient.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		session.Close()
		serverSession.Close()
		cancel()
		ts.Close()
		closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		a.Close(closeCtx)
	})
	return session
}

func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text, res.IsError
}

func TestToolsRegistered(t *testing.T) {
	session := connect(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.NotNil(t, tool.InputSchema, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"list_models", "list_scripts", "trigger_job", "execute_script", "run_status",
		"run_logs", "list_runs", "cancel_run", "wait_for_run", "server_stats",
	}, names)
}

func TestTriggerAndWait(t *testing.T) {
	session := connect(t)

	text, isErr := call(t, session, "trigger_job", map[string]any{
		"model_id":       "plan",
		"data_source_id": "ds-9",
		"config":         map[string]any{"horizon": 3},
	})
	require.False(t, isErr, text)
	var started models.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(text), &started))
	require.NotEmpty(t, started.RunID)

	text, isErr = call(t, session, "wait_for_run", map[string]any{"run_id": started.RunID, "timeout_seconds": 15})
	require.False(t, isErr, text)
	var waited tools.WaitResult
	require.NoError(t, json.Unmarshal([]byte(text), &waited))
	assert.True(t, waited.Finished)
	assert.Equal(t, models.StatusSuccess, waited.Status)
	assert.Contains(t, waited.Tail, "planning ds-9")

	text, isErr = call(t, session, "run_status", map[string]any{"run_id": started.RunID})
	require.False(t, isErr, text)
	var st client.RunStatus
	require.NoError(t, json.Unmarshal([]byte(text), &st))
	assert.True(t, st.IsComplete)
	assert.Equal(t, 100, st.Progress)
	require.NotNil(t, st.ResultsCount)
	assert.Equal(t, 7, *st.ResultsCount)
	assert.Equal(t, "mcp", st.TriggeredBy)

	// Second DMO run on the same day hits the quota.
	text, isErr = call(t, session, "trigger_job", map[string]any{"model_id": "plan"})
	assert.True(t, isErr)
	assert.Contains(t, text, started.RunID)
}

func TestScriptLogsAndList(t *testing.T) {
	session := connect(t)

	text, isErr := call(t, session, "execute_script", map[string]any{"script_id": "check", "args": []string{"fast"}})
	require.False(t, isErr, text)
	var started models.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(text), &started))

	_, isErr = call(t, session, "wait_for_run", map[string]any{"run_id": started.RunID})
	require.False(t, isErr)

	text, isErr = call(t, session, "run_logs", map[string]any{"run_id": started.RunID, "level": "stdout"})
	require.False(t, isErr, text)
	var page models.LogPage
	require.NoError(t, json.Unmarshal([]byte(text), &page))
	require.NotEmpty(t, page.Logs)
	assert.Equal(t, "checked fast", page.Logs[0].Message)

	text, isErr = call(t, session, "list_runs", map[string]any{"kind": "script", "statuses": []string{"success"}})
	require.False(t, isErr, text)
	var runs models.RunPage
	require.NoError(t, json.Unmarshal([]byte(text), &runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, started.RunID, runs.Runs[0].ID)
}

func TestCancelRun(t *testing.T) {
	session := connect(t)

	text, isErr := call(t, session, "trigger_job", map[string]any{"model_id": "sleep"})
	require.False(t, isErr, text)
	var started models.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(text), &started))

	require.Eventually(t, func() bool {
		text, _ := call(t, session, "run_status", map[string]any{"run_id": started.RunID})
		var st client.RunStatus
		return json.Unmarshal([]byte(text), &st) == nil && st.Status == models.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	text, isErr = call(t, session, "cancel_run", map[string]any{"run_id": started.RunID})
	require.False(t, isErr, text)

	text, isErr = call(t, session, "wait_for_run", map[string]any{"run_id": started.RunID, "timeout_seconds": 15})
	require.False(t, isErr, text)
	var waited tools.WaitResult
	require.NoError(t, json.Unmarshal([]byte(text), &waited))
	assert.Equal(t, models.StatusCancelled, waited.Status)

	_, isErr = call(t, session, "cancel_run", map[string]any{"run_id": started.RunID})
	assert.True(t, isErr)
}

func TestWaitTimesOut(t *testing.T) {
	session := connect(t)

	text, _ := call(t, session, "trigger_job", map[string]any{"model_id": "sleep"})
	var started models.TriggerResponse
	require.NoError(t, json.Unmarshal([]byte(text), &started))

	text, isErr := call(t, session, "wait_for_run", map[string]any{"run_id": started.RunID, "timeout_seconds": 1})
	require.False(t, isErr, text)
	var waited tools.WaitResult
	require.NoError(t, json.Unmarshal([]byte(text), &waited))
	assert.False(t, waited.Finished)
	assert.Equal(t, models.StatusRunning, waited.Status)
}

func TestListModels(t *testing.T) {
	session := connect(t)

	text, isErr := call(t, session, "list_models", map[string]any{})
	require.False(t, isErr, text)
	var ds []models.Descriptor
	require.NoError(t, json.Unmarshal([]byte(text), &ds))
	assert.Len(t, ds, 2)

	text, _ = call(t, session, "list_models", map[string]any{"include_inactive": true})
	require.NoError(t, json.Unmarshal([]byte(text), &ds))
	assert.Len(t, ds, 3)

	text, isErr = call(t, session, "list_scripts", map[string]any{})
	require.False(t, isErr)
	assert.Contains(t, text, `"check"`)

	text, isErr = call(t, session, "server_stats", map[string]any{})
	require.False(t, isErr)
	assert.Contains(t, text, "metrics")
}

func TestValidationErrors(t *testing.T) {
	session := connect(t)

	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"trigger_job", map[string]any{"model_id": ""}, "model_id cannot be empty"},
		{"trigger_job", map[string]any{"model_id": "ghost"}, "list_models"},
		{"trigger_job", map[string]any{"model_id": "old"}, "disabled"},
		{"execute_script", map[string]any{"script_id": ""}, "script_id cannot be empty"},
		{"run_status", map[string]any{"run_id": "nope"}, "list_runs"},
		{"run_status", map[string]any{"run_id": "x", "logs": 5000}, "logs must be 1-1000"},
		{"run_logs", map[string]any{"run_id": "x", "level": "loud"}, "Unknown level"},
		{"list_runs", map[string]any{"kind": "batch"}, "Unknown kind"},
		{"list_runs", map[string]any{"statuses": []string{"exploded"}}, "Unknown status"},
		{"list_runs", map[string]any{"limit": 500}, "Limit must be 1-200"},
		{"wait_for_run", map[string]any{"run_id": "x", "timeout_seconds": 900}, "timeout_seconds"},
	}
	for _, tt := range tests {
		t.Run(tt.tool+"_"+tt.want, func(t *testing.T) {
			text, isErr := call(t, session, tt.tool, tt.args)
			assert.True(t, isErr, text)
			assert.Contains(t, text, tt.want)
		})
	}
}
