package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	seq   map[string]int64
	lines []models.LogLine
}

func (s *recordingSink) Append(_ context.Context, runID string, level models.LogLevel, msg string) (models.LogLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == nil {
		s.seq = map[string]int64{}
	}
	s.seq[runID]++
	line := models.LogLine{RunID: runID, Seq: s.seq[runID], Level: level, Message: msg, Timestamp: time.Now()}
	s.lines = append(s.lines, line)
	return line, true
}

func (s *recordingSink) messages(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		if l.RunID == runID {
			out = append(out, l.Message)
		}
	}
	return out
}

func (s *recordingSink) levels(runID string) map[string]models.LogLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]models.LogLevel{}
	for _, l := range s.lines {
		if l.RunID == runID {
			out[l.Message] = l.Level
		}
	}
	return out
}

type recordingHub struct {
	mu     sync.Mutex
	events []models.Event
	rooms  [][]string
}

func (h *recordingHub) Broadcast(ev models.Event, rooms ...string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	h.rooms = append(h.rooms, rooms)
	return len(rooms)
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use /bin/sh")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func newRunner(sink LineSink, hub Broadcaster) *Runner {
	return New(sink, hub, Options{
		Interpreters: map[string]string{".sh": "/bin/sh"},
		KillGrace:    200 * time.Millisecond,
	})
}

func TestRunSuccessMinesMetrics(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "solve.sh", `
echo "loading data"
echo "PROGRESS:40"
echo "careful" >&2
echo "Objective value: 1234.56"
echo "Results written: 42"
echo ""
echo "PROGRESS:140"
`)
	logPath := filepath.Join(dir, "logs", "DMO_run.log")
	sink, hub := &recordingSink{}, &recordingHub{}

	var spawned int
	var progress []int
	res := newRunner(sink, hub).Run(context.Background(), Spec{
		RunID:      "DMO_1_aaa",
		Scope:      models.KindOptimization,
		Category:   "DMO",
		Path:       script,
		LogPath:    logPath,
		Rooms:      []string{"dashboard", "job:DMO_1_aaa"},
		OnSpawn:    func(pid int) { spawned = pid },
		OnProgress: func(p int) { progress = append(progress, p) },
	})

	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	require.NotNil(t, res.ResultsCount)
	assert.Equal(t, 42, *res.ResultsCount)
	require.NotNil(t, res.ObjectiveValue)
	assert.InDelta(t, 1234.56, *res.ObjectiveValue, 1e-9)
	assert.Equal(t, 100, res.Progress)
	assert.Equal(t, 6, res.Lines, "blank lines are skipped")
	assert.Empty(t, res.ErrorMessage)
	assert.Positive(t, spawned)
	assert.Equal(t, []int{40, 100}, progress)

	levels := sink.levels("DMO_1_aaa")
	assert.Equal(t, models.LevelInfo, levels["loading data"])
	assert.Equal(t, models.LevelError, levels["careful"])

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "loading data\n")
	assert.Contains(t, string(data), "[ERROR] careful\n")

	require.Len(t, hub.events, 6)
	for i, ev := range hub.events {
		assert.Equal(t, models.EventLog, ev.Type)
		assert.Equal(t, "DMO", ev.Kind)
		assert.Equal(t, []string{"dashboard", "job:DMO_1_aaa"}, hub.rooms[i])
	}
}

func TestRunPreservesStdoutOrder(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "count.sh", `i=1; while [ $i -le 200 ]; do echo "line $i"; i=$((i+1)); done`)
	sink := &recordingSink{}

	res := newRunner(sink, &recordingHub{}).Run(context.Background(), Spec{RunID: "r", Path: script})
	require.Equal(t, models.StatusSuccess, res.Status)

	msgs := sink.messages("r")
	require.Len(t, msgs, 200)
	for i, m := range msgs {
		assert.Equal(t, "line "+strconv.Itoa(i+1), m)
	}
}

func TestRunOversizedLineDoesNotStopOutput(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "long.sh", `
head -c 2000000 /dev/zero | tr '\0' 'x'
echo
echo "Results written: 42"
echo "after" >&2
`)
	logPath := filepath.Join(dir, "long.log")
	sink := &recordingSink{}

	res := newRunner(sink, &recordingHub{}).Run(context.Background(), Spec{RunID: "long", Path: script, LogPath: logPath})
	require.Equal(t, models.StatusSuccess, res.Status)
	require.NotNil(t, res.ResultsCount)
	assert.Equal(t, 42, *res.ResultsCount)
	assert.Equal(t, 4, res.Lines, "the long line is split in two pieces")

	msgs := sink.messages("long")
	assert.Contains(t, msgs, "Results written: 42")
	assert.Contains(t, msgs, "after")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 2000000, strings.Count(string(data), "x"))
	assert.Contains(t, string(data), "Results written: 42\n")
	assert.Contains(t, string(data), "[ERROR] after\n")
}

func TestRunInjectsEnvironmentAndWorkingDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "env.sh", `
echo "job=$JOB_ID"
echo "type=$MODEL_TYPE"
echo "kind=$RUN_KIND"
echo "config=$CONFIG"
echo "ds=${DATA_SOURCE_ID:-none}"
echo "args=$*"
echo "cwd=$(pwd -P)"
`)
	sink := &recordingSink{}
	ds := "ds-9"

	res := newRunner(sink, &recordingHub{}).Run(context.Background(), Spec{
		RunID:        "test_1_env",
		Scope:        models.KindScript,
		Category:     "test",
		Path:         script,
		Args:         []string{"--fast", "x"},
		Config:       []byte(`{"a":1}`),
		DataSourceID: &ds,
	})
	require.Equal(t, models.StatusSuccess, res.Status)

	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"job=test_1_env",
		"type=test",
		"kind=script",
		`config={"a":1}`,
		"ds=ds-9",
		"args=--fast x",
		"cwd=" + realDir,
	}, sink.messages("test_1_env"))
}

func TestEnvDefaultsConfig(t *testing.T) {
	env := Env(Spec{RunID: "r", Scope: models.KindOptimization, Category: "DMO"})
	assert.Contains(t, env, "CONFIG={}")
	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "DATA_SOURCE_ID="))
	}
}

func TestRunNonZeroExit(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()

	tests := []struct {
		name    string
		body    string
		code    int
		wantMsg string
	}{
		{"with stderr", "echo 'solver diverged' >&2\nexit 2\n", 2, "process exited with code 2: solver diverged"},
		{"silent", "exit 3\n", 3, "process exited with code 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeScript(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".sh", tt.body)
			res := newRunner(&recordingSink{}, &recordingHub{}).Run(context.Background(), Spec{RunID: tt.name, Path: script})
			assert.Equal(t, models.StatusFailed, res.Status)
			assert.Equal(t, tt.code, res.ExitCode)
			assert.Equal(t, tt.wantMsg, res.ErrorMessage)
		})
	}
}

func TestRunStderrTailIsBounded(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, t.TempDir(), "noisy.sh", `i=1; while [ $i -le 50 ]; do echo "err $i" >&2; i=$((i+1)); done; exit 1`)

	res := newRunner(&recordingSink{}, &recordingHub{}).Run(context.Background(), Spec{RunID: "n", Path: script})
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.NotContains(t, res.ErrorMessage, "err 30\n")
	assert.Contains(t, res.ErrorMessage, "err 31\n")
	assert.True(t, strings.HasSuffix(res.ErrorMessage, "err 50"))
}

func TestRunMissingExecutable(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "missing.log")
	sink, hub := &recordingSink{}, &recordingHub{}
	spawned := false

	start := time.Now()
	res := newRunner(sink, hub).Run(context.Background(), Spec{
		RunID:   "DMO_1_missing",
		Path:    filepath.Join(dir, "nope.py"),
		LogPath: logPath,
		OnSpawn: func(int) { spawned = true },
	})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, SpawnExitCode, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "executable not found")
	assert.False(t, spawned)

	// The handle is closed: the file can be removed and recreated.
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[ERROR] executable not found")
	require.NoError(t, os.Remove(logPath))

	require.Len(t, sink.lines, 1)
	assert.Equal(t, models.LevelError, sink.lines[0].Level)
	require.Len(t, hub.events, 1)
	assert.Equal(t, models.EventLog, hub.events[0].Type)
}

func TestRunStartFailure(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a program"), 0o644))

	res := newRunner(&recordingSink{}, &recordingHub{}).Run(context.Background(), Spec{RunID: "x", Path: path})
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, SpawnExitCode, res.ExitCode)
	assert.Contains(t, res.ErrorMessage, "failed to start process")
}

func TestRunCancellation(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"honours SIGTERM", "echo ready\nexec sleep 30\n"},
		{"ignores SIGTERM", "trap '' TERM\necho ready\nwhile true; do sleep 1; done\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := writeScript(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".sh", tt.body)
			ctx, cancel := context.WithCancel(context.Background())
			sink := &recordingSink{}
			r := newRunner(sink, &recordingHub{})

			done := make(chan Result, 1)
			go func() { done <- r.Run(ctx, Spec{RunID: "c", Path: script}) }()

			require.Eventually(t, func() bool { return len(sink.messages("c")) > 0 }, 5*time.Second, 10*time.Millisecond)
			cancel()

			select {
			case res := <-done:
				assert.Equal(t, models.StatusCancelled, res.Status)
				assert.Equal(t, "cancelled", res.ErrorMessage)
			case <-time.After(10 * time.Second):
				t.Fatal("run did not finish after cancellation")
			}
		})
	}
}

func TestRunExistingLogFileContinuesWithoutFile(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "taken.log")
	require.NoError(t, os.WriteFile(logPath, []byte("previous\n"), 0o644))
	script := writeScript(t, dir, "ok.sh", "echo hi\n")
	sink := &recordingSink{}

	res := newRunner(sink, &recordingHub{}).Run(context.Background(), Spec{RunID: "e", Path: script, LogPath: logPath})
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, []string{"hi"}, sink.messages("e"))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "previous\n", string(data), "exclusive open never appends to another run's file")
}

func TestRunConcurrentRunsAreIsolated(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "tag.sh", `i=1; while [ $i -le 50 ]; do echo "$JOB_ID $i"; i=$((i+1)); done`)
	sink := &recordingSink{}
	r := newRunner(sink, &recordingHub{})

	var wg sync.WaitGroup
	for _, id := range []string{"run_a", "run_b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.Run(context.Background(), Spec{RunID: id, Path: script, LogPath: filepath.Join(dir, id+".log")})
			assert.Equal(t, models.StatusSuccess, res.Status)
		}()
	}
	wg.Wait()

	for _, id := range []string{"run_a", "run_b"} {
		data, err := os.ReadFile(filepath.Join(dir, id+".log"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 50)
		for i, l := range lines {
			assert.Equal(t, id+" "+strconv.Itoa(i+1), l)
		}
	}
}

func TestRunDirectExecutable(t *testing.T) {
	skipOnWindows(t)
	script := writeScript(t, t.TempDir(), "direct", "#!/bin/sh\necho direct\n")
	sink := &recordingSink{}

	res := New(sink, &recordingHub{}, Options{}).Run(context.Background(), Spec{RunID: "d", Path: script})
	assert.Equal(t, models.StatusSuccess, res.Status)
	assert.Equal(t, []string{"direct"}, sink.messages("d"))
}

func TestLogPath(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.FixedZone("CET", 3600))
	got := LogPath("/var/log/runhub", "DMO", started)
	assert.Equal(t, "/var/log/runhub/DMO_2026-03-14T08-26-53-589793Z.log", filepath.ToSlash(got))
}

func TestMetricsMine(t *testing.T) {
	var m metrics
	_, ok := m.mine("Results written: 10")
	assert.False(t, ok)
	m.mine("Results written:7")
	m.mine("Objective value: 3.25 (optimal)")
	pct, ok := m.mine("PROGRESS:55")

	assert.True(t, ok)
	assert.Equal(t, 55, pct)
	require.NotNil(t, m.results)
	assert.Equal(t, 7, *m.results, "last match wins")
	require.NotNil(t, m.objective)
	assert.InDelta(t, 3.25, *m.objective, 1e-9)

	_, ok = m.mine("no metrics here")
	assert.False(t, ok)
}
