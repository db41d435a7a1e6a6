package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/runhub/internal/app"
	"github.com/raphaelgruber/runhub/internal/client"
	"github.com/raphaelgruber/runhub/internal/config"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/server"
)

var runIDPattern = regexp.MustCompile(`Started run (\S+)`)

func startServer(t *testing.T) (string, *app.App) {
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
		"solve.sh": "echo \"solving with $CONFIG\"\necho \"PROGRESS:60\"\necho \"Objective value: 12.5\"\n",
		"fail.sh":  "echo \"solver diverged\" >&2\nexit 3\n",
		"sleep.sh": "echo \"sleeping\"\nexec sleep 30\n",
		"echo.sh":  "echo \"got $*\"\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755))
	}
	catalog := `
models:
  - {id: solve, name: Solver, category: DMO, path: solve.sh}
  - {id: fail, category: RT, path: fail.sh}
  - {id: sleep, category: RT, path: sleep.sh}
scripts:
  - {id: echo, path: echo.sh}
`
	require.NoError(t, os.WriteFile(cfg.Catalog, []byte(catalog), 0o644))

	a, err := app.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	ts := httptest.NewServer(server.New(a).Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.Close(ctx)
	})
	return ts.URL, a
}

func runCLI(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--server", url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func startedID(t *testing.T, out string) string {
	t.Helper()
	m := runIDPattern.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	return m[1]
}

func TestTriggerWait(t *testing.T) {
	url, _ := startServer(t)

	out, err := runCLI(t, url, "trigger", "solve", "--config", `{"horizon":6}`, "--wait")
	require.NoError(t, err, out)
	id := startedID(t, out)
	assert.True(t, strings.HasPrefix(id, "DMO_"), id)
	assert.Contains(t, out, `solving with {"horizon":6}`)
	assert.Contains(t, out, "✓ Run "+id+" completed")

	out, err = runCLI(t, url, "runs", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Status: success")
	assert.Contains(t, out, "Target: Solver (solve)")
	assert.Contains(t, out, "Objective: 12.5")
	assert.Contains(t, out, "Triggered by: cli")

	// Second run of a quota-limited category on the same day is refused.
	out, err = runCLI(t, url, "trigger", "solve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "existing run: "+id)
}

func TestTriggerFailureExitsNonZero(t *testing.T) {
	url, _ := startServer(t)

	out, err := runCLI(t, url, "trigger", "fail", "-w")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, "[err]   solver diverged")

	id := startedID(t, out)
	out, err = runCLI(t, url, "logs", id, "--level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "solver diverged")

	out, err = runCLI(t, url, "logs", id, "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, "[ERROR] solver diverged\n")
}

func TestTriggerRejected(t *testing.T) {
	url, _ := startServer(t)

	_, err := runCLI(t, url, "trigger", "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")

	_, err = runCLI(t, url, "trigger", "solve", "--config", "{nope")
	assert.EqualError(t, err, "config is not valid JSON")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))

	s := startOptions{configFile: path}
	raw, err := s.rawConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	s = startOptions{configFile: "-"}
	raw, err = s.rawConfig(strings.NewReader(`{"b":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(raw))

	s = startOptions{}
	raw, err = s.rawConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, raw)

	s = startOptions{configFile: filepath.Join(t.TempDir(), "missing.json")}
	_, err = s.rawConfig(strings.NewReader(""))
	assert.ErrorContains(t, err, "read config")
}

func TestExecAndRuns(t *testing.T) {
	url, _ := startServer(t)

	out, err := runCLI(t, url, "exec", "echo", "-w", "--", "--dry-run", "now")
	require.NoError(t, err, out)
	assert.Contains(t, out, "got --dry-run now")
	id := startedID(t, out)

	out, err = runCLI(t, url, "runs", "--kind", "script")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "success")

	out, err = runCLI(t, url, "runs", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found")

	_, err = runCLI(t, url, "runs", "--status", "exploded")
	assert.Error(t, err)
}

func TestCancelCommand(t *testing.T) {
	url, a := startServer(t)

	out, err := runCLI(t, url, "trigger", "sleep")
	require.NoError(t, err)
	id := startedID(t, out)
	require.Eventually(t, func() bool {
		r, ok := a.Runs.Get(id)
		return ok && r.Status == models.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	out, err = runCLI(t, url, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelling run "+id)

	_, err = runCLI(t, url, "watch", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")

	_, err = runCLI(t, url, "cancel", id)
	assert.Error(t, err)
}

func TestCatalogAndStats(t *testing.T) {
	url, _ := startServer(t)

	out, err := runCLI(t, url, "models")
	require.NoError(t, err)
	assert.Contains(t, out, "Solver")
	assert.Contains(t, out, "never")

	out, err = runCLI(t, url, "scripts")
	require.NoError(t, err)
	assert.Contains(t, out, "echo")

	_, err = runCLI(t, url, "exec", "echo", "-w")
	require.NoError(t, err)

	out, err = runCLI(t, url, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Script runs:")
	assert.Contains(t, out, "script        success 1")
}

func TestServerUnreachable(t *testing.T) {
	_, err := runCLI(t, "http://127.0.0.1:1", "models")
	assert.ErrorContains(t, err, "execute request")
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ev   models.Event
		want string
	}{
		{models.Event{Type: models.EventLog, Level: models.LevelWarning, Message: "low disk", RunID: "r1"}, "[warn]  low disk"},
		{models.Event{Type: models.EventLog, Level: models.LevelStderr, Message: "boom", RunID: "r1"}, "[err]   boom"},
		{models.Event{Type: models.EventProgress, Progress: models.Ptr(40), RunID: "r1"}, "[prog]  40%"},
		{models.Event{Type: models.EventStarted, Scope: models.KindScript, TargetName: "smoke", RunID: "r1"}, "[start] script smoke started (r1)"},
		{models.Event{Type: models.EventFailed, Status: models.StatusFailed, Error: "exit 3", RunID: "r1"}, "[failed] failed: exit 3 (r1)"},
	}
	for _, tt := range tests {
		tt.ev.Timestamp = ts
		assert.Equal(t, tt.want, formatEvent(tt.ev, false))
	}
	assert.True(t, strings.HasSuffix(formatEvent(tests[0].ev, true), "r1 [warn]  low disk"))
}

func TestOutcome(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, outcome(&buf, models.Event{Type: models.EventCompleted, RunID: "r1"}))
	assert.Equal(t, "✓ Run r1 completed\n", buf.String())

	assert.EqualError(t, outcome(&buf, models.Event{Type: models.EventCancelled, RunID: "r1"}), "run r1 was cancelled")
	assert.EqualError(t, outcome(&buf, models.Event{Type: models.EventFailed, RunID: "r1", Error: "exit 2"}), "run r1 failed: exit 2")
}

func TestDescribe(t *testing.T) {
	quota := &client.APIError{StatusCode: 409}
	quota.ErrorResponse = models.ErrorResponse{Error: "already ran", Reason: "quota_exceeded", ExistingRunID: "DMO_1"}
	assert.EqualError(t, describe(quota), "already ran (existing run: DMO_1)")

	plain := &client.APIError{StatusCode: 500}
	plain.ErrorResponse = models.ErrorResponse{Error: "db down"}
	assert.EqualError(t, describe(plain), "db down")

	other := errors.New("dial tcp: refused")
	assert.Same(t, other, describe(other))
	assert.NoError(t, describe(nil))
}

func TestInteractive(t *testing.T) {
	opts := &rootOptions{}
	assert.False(t, opts.interactive(&bytes.Buffer{}))
	opts.noTUI = true
	assert.False(t, opts.interactive(os.Stdout))
}
