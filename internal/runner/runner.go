// Package runner spawns one external process per run and streams its output
// into the log sink, the run's log file and the event hub.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/raphaelgruber/runhub/internal/logsink"
	"github.com/raphaelgruber/runhub/internal/models"
)

// SpawnExitCode is the exit code recorded when the process never started.
const SpawnExitCode = -1

const (
	stderrTailLines = 20
	maxLineBytes    = 1 << 20
)

// Stream identifies the output stream a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Classifier assigns a log level to an output line.
type Classifier func(stream Stream, line string) models.LogLevel

// DefaultClassifier maps stdout to info and stderr to error.
func DefaultClassifier(stream Stream, _ string) models.LogLevel {
	if stream == Stderr {
		return models.LevelError
	}
	return models.LevelInfo
}

// LineSink persists log lines and assigns their sequence numbers.
type LineSink interface {
	Append(ctx context.Context, runID string, level models.LogLevel, msg string) (models.LogLine, bool)
}

// Broadcaster publishes events to hub rooms.
type Broadcaster interface {
	Broadcast(ev models.Event, rooms ...string) int
}

// Options configures a Runner.
type Options struct {
	// Interpreters maps a file extension (".py") to the program that runs it.
	Interpreters map[string]string
	// KillGrace is how long a cancelled process has after SIGTERM before it is killed.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// Spec describes one run to execute.
type Spec struct {
	RunID        string
	Scope        models.RunKind
	Category     string
	Path         string
	Args         []string
	Config       json.RawMessage
	DataSourceID *string
	LogPath      string
	// Rooms receive a log event per output line.
	Rooms    []string
	Classify Classifier

	OnSpawn    func(pid int)
	OnProgress func(pct int)
}

// Result is the terminal outcome of a run.
type Result struct {
	Status         models.RunStatus
	ExitCode       int
	ResultsCount   *int
	ObjectiveValue *float64
	Progress       int
	ErrorMessage   string
	Duration       time.Duration
	Lines          int
}

// Runner executes processes. It is safe for concurrent use; each call to Run
// owns its process and log file exclusively.
type Runner struct {
	sink   LineSink
	hub    Broadcaster
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Runner.
func New(sink LineSink, hub Broadcaster, opts Options) *Runner {
	if opts.KillGrace <= 0 {
		opts.KillGrace = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{sink: sink, hub: hub, opts: opts, logger: logger, now: time.Now}
}

// LogPath derives the per-run log file path from category and start time.
func LogPath(dir, category string, started time.Time) string {
	stamp := started.UTC().Format(time.RFC3339Nano)
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", category, stamp))
}

type outputLine struct {
	stream Stream
	text   string
}

// execution is the per-run state touched only by the consumer goroutine
// (and by Run itself before and after the consumer's lifetime).
type execution struct {
	r        *Runner
	spec     Spec
	ctx      context.Context
	file     *os.File
	metrics  metrics
	tail     []string
	lines    int
	progress int
}

// Run executes spec and blocks until the process has exited and every output
// line has been handed off. It never returns an error: failures are reported
// in the Result. Cancelling ctx terminates the process.
func (r *Runner) Run(ctx context.Context, spec Spec) Result {
	start := r.now()
	if spec.Classify == nil {
		spec.Classify = DefaultClassifier
	}

	e := &execution{r: r, spec: spec, ctx: context.WithoutCancel(ctx)}
	e.openLog()
	defer e.closeLog()

	res := e.execute(ctx)
	res.Duration = r.now().Sub(start)
	res.Lines = e.lines
	res.ResultsCount = e.metrics.results
	res.ObjectiveValue = e.metrics.objective
	if res.Status == models.StatusSuccess {
		res.Progress = 100
	} else {
		res.Progress = e.progress
	}
	return res
}

func (e *execution) execute(ctx context.Context) Result {
	spec := e.spec

	path, err := filepath.Abs(spec.Path)
	if err == nil {
		_, err = os.Stat(path)
	}
	if err != nil {
		return e.spawnFailed(fmt.Errorf("executable not found: %s", spec.Path))
	}

	cmd := e.r.command(ctx, path, spec)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		if ctx.Err() != nil {
			return Result{Status: models.StatusCancelled, ExitCode: SpawnExitCode, ErrorMessage: "cancelled before start"}
		}
		return e.spawnFailed(fmt.Errorf("failed to start process: %w", err))
	}
	e.r.logger.Info("process started", "run_id", spec.RunID, "pid", cmd.Process.Pid, "path", path)
	if spec.OnSpawn != nil {
		spec.OnSpawn(cmd.Process.Pid)
	}

	lines := make(chan outputLine, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	scanLogger := e.r.logger.With("run_id", spec.RunID)
	go scan(stdoutR, Stdout, lines, scanLogger, &readers)
	go scan(stderrR, Stderr, lines, scanLogger, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for l := range lines {
			e.handle(l)
		}
	}()

	waitErr := cmd.Wait()
	stdoutW.Close()
	stderrW.Close()
	<-consumed

	return e.result(ctx, cmd, waitErr)
}

func (r *Runner) command(ctx context.Context, path string, spec Spec) *exec.Cmd {
	var cmd *exec.Cmd
	if interp, ok := r.opts.Interpreters[strings.ToLower(filepath.Ext(path))]; ok {
		cmd = exec.CommandContext(ctx, interp, append([]string{path}, spec.Args...)...)
	} else {
		cmd = exec.CommandContext(ctx, path, spec.Args...)
	}
	cmd.Dir = filepath.Dir(path)
	cmd.Env = append(os.Environ(), Env(spec)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.opts.KillGrace
	return cmd
}

// Env returns the variables injected into the child process.
func Env(spec Spec) []string {
	config := string(spec.Config)
	if strings.TrimSpace(config) == "" {
		config = "{}"
	}
	env := []string{
		"JOB_ID=" + spec.RunID,
		"RUN_KIND=" + string(spec.Scope),
		"MODEL_TYPE=" + spec.Category,
		"CONFIG=" + config,
	}
	if spec.DataSourceID != nil {
		env = append(env, "DATA_SOURCE_ID="+*spec.DataSourceID)
	}
	return env
}

func (e *execution) result(ctx context.Context, cmd *exec.Cmd, waitErr error) Result {
	exitCode := SpawnExitCode
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	// The process exited but a descendant kept the output pipes open.
	if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() && ctx.Err() == nil {
		e.r.logger.Warn("output pipes held open after exit", "run_id", e.spec.RunID)
		waitErr = nil
	}

	switch {
	case waitErr == nil:
		return Result{Status: models.StatusSuccess, ExitCode: 0}
	case ctx.Err() != nil:
		msg := "cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = "cancelled: deadline exceeded"
		}
		e.note(models.LevelWarning, "process terminated: "+msg)
		return Result{Status: models.StatusCancelled, ExitCode: exitCode, ErrorMessage: msg}
	case exitCode >= 0:
		msg := fmt.Sprintf("process exited with code %d", exitCode)
		if len(e.tail) > 0 {
			msg += ": " + strings.Join(e.tail, "\n")
		}
		return Result{Status: models.StatusFailed, ExitCode: exitCode, ErrorMessage: logsink.Truncate(msg)}
	default:
		return Result{Status: models.StatusFailed, ExitCode: exitCode, ErrorMessage: logsink.Truncate("process failed: " + waitErr.Error())}
	}
}

func (e *execution) spawnFailed(err error) Result {
	e.r.logger.Error("spawn failed", "run_id", e.spec.RunID, "error", err)
	e.note(models.LevelError, err.Error())
	return Result{Status: models.StatusFailed, ExitCode: SpawnExitCode, ErrorMessage: logsink.Truncate(err.Error())}
}

// scan reads r line by line until EOF. Lines longer than maxLineBytes are
// emitted in maxLineBytes pieces so the rest of the stream keeps flowing.
func scan(r *io.PipeReader, stream Stream, out chan<- outputLine, logger *slog.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	emit := func() {
		text := strings.TrimRight(string(line), "\r")
		line = line[:0]
		if strings.TrimSpace(text) == "" {
			return
		}
		out <- outputLine{stream: stream, text: text}
	}

	split := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				emit()
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warn("output read failed", "stream", stream.String(), "error", err)
			}
			return
		}
		line = append(line, chunk...)
		switch {
		case !isPrefix:
			emit()
			split = false
		case len(line) >= maxLineBytes:
			if !split {
				logger.Warn("output line exceeds limit, splitting", "stream", stream.String(), "limit_bytes", maxLineBytes)
				split = true
			}
			emit()
		}
	}
}

// handle processes one output line: file, sink, broadcast, metrics.
func (e *execution) handle(l outputLine) {
	e.lines++
	e.writeFile(l.stream == Stderr, l.text)
	e.publish(e.spec.Classify(l.stream, l.text), l.text)

	if l.stream == Stderr {
		e.tail = append(e.tail, l.text)
		if len(e.tail) > stderrTailLines {
			e.tail = e.tail[len(e.tail)-stderrTailLines:]
		}
		return
	}

	if pct, ok := e.metrics.mine(l.text); ok && pct != e.progress {
		e.progress = pct
		if e.spec.OnProgress != nil {
			e.spec.OnProgress(pct)
		}
	}
}

// note records a runner-generated line.
func (e *execution) note(level models.LogLevel, msg string) {
	e.writeFile(level == models.LevelError, msg)
	e.publish(level, msg)
}

func (e *execution) publish(level models.LogLevel, msg string) {
	line, ok := e.r.sink.Append(e.ctx, e.spec.RunID, level, msg)
	ev := models.Event{
		Type:      models.EventLog,
		Scope:     e.spec.Scope,
		RunID:     e.spec.RunID,
		Kind:      e.spec.Category,
		Level:     level,
		Message:   line.Message,
		Timestamp: line.Timestamp,
	}
	if ok {
		ev.Seq = line.Seq
	}
	e.r.hub.Broadcast(ev, e.spec.Rooms...)
}

func (e *execution) openLog() {
	if e.spec.LogPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.spec.LogPath), 0o755); err != nil {
		e.r.logger.Warn("failed to create log dir", "run_id", e.spec.RunID, "error", err)
		return
	}
	f, err := os.OpenFile(e.spec.LogPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.r.logger.Warn("failed to open run log file, continuing without it", "run_id", e.spec.RunID, "path", e.spec.LogPath, "error", err)
		return
	}
	e.file = f
}

func (e *execution) writeFile(isErr bool, text string) {
	if e.file == nil {
		return
	}
	if isErr {
		text = "[ERROR] " + text
	}
	if _, err := e.file.WriteString(text + "\n"); err != nil {
		e.r.logger.Warn("failed to write run log file", "run_id", e.spec.RunID, "error", err)
		e.closeLog()
	}
}

func (e *execution) closeLog() {
	if e.file == nil {
		return
	}
	if err := e.file.Close(); err != nil {
		e.r.logger.Warn("failed to close run log file", "run_id", e.spec.RunID, "error", err)
	}
	e.file = nil
}
