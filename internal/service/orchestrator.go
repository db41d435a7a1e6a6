package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raphaelgruber/runhub/internal/hub"
	"github.com/raphaelgruber/runhub/internal/metrics"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/runner"
	"github.com/raphaelgruber/runhub/internal/store"
)

// ErrStartFailed wraps infrastructure failures that prevented a run from
// starting. The accompanying Handle is already resolved as failed.
var ErrStartFailed = errors.New("run could not be started")

var tracer = otel.Tracer("github.com/raphaelgruber/runhub/internal/service")

// Executor runs one process to completion.
type Executor interface {
	Run(ctx context.Context, spec runner.Spec) runner.Result
}

// LineSink is the log sink as seen by the orchestrator.
type LineSink interface {
	runner.LineSink
	Release(runID string)
}

// Deps are the collaborators shared by every orchestrator.
type Deps struct {
	Store   store.Store
	Runner  Executor
	Sink    LineSink
	Hub     runner.Broadcaster
	Runs    *RunManager
	Metrics *metrics.Collector
	Logger  *slog.Logger

	// LogDir receives one log file per run.
	LogDir string
	// ScriptRoot resolves relative descriptor paths.
	ScriptRoot string
	// QuotaLocation is the timezone whose calendar day bounds the quota.
	QuotaLocation      *time.Location
	QuotaIncludeActive bool

	Now func() time.Time
}

// TriggerRequest asks for a run of one target.
type TriggerRequest struct {
	TargetID     string
	DataSourceID *string
	Config       json.RawMessage
	Args         []string
	TriggeredBy  string
}

// Orchestrator admits, starts and finalizes runs of one Profile.
type Orchestrator struct {
	profile            Profile
	store              store.Store
	runner             Executor
	sink               LineSink
	hub                runner.Broadcaster
	runs               *RunManager
	metrics            *metrics.Collector
	logger             *slog.Logger
	logDir             string
	scriptRoot         string
	quotaLoc           *time.Location
	quotaIncludeActive bool
	now                func() time.Time

	base   context.Context
	cancel context.CancelFunc

	// mu orders Start's wg.Add against Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator for profile.
func NewOrchestrator(profile Profile, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	runs := deps.Runs
	if runs == nil {
		runs = NewRunManager()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}
	loc := deps.QuotaLocation
	if loc == nil {
		loc = time.UTC
	}

	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		profile:            profile,
		store:              deps.Store,
		runner:             deps.Runner,
		sink:               deps.Sink,
		hub:                deps.Hub,
		runs:               runs,
		metrics:            m,
		logger:             logger.With("scope", string(profile.Scope)),
		logDir:             deps.LogDir,
		scriptRoot:         deps.ScriptRoot,
		quotaLoc:           loc,
		quotaIncludeActive: deps.QuotaIncludeActive,
		now:                now,
		base:               base,
		cancel:             cancel,
	}
}

// Profile returns the orchestrator's variant.
func (o *Orchestrator) Profile() Profile {
	return o.profile
}

// NewRunID builds "{category}_{unixmillis}_{random}".
func NewRunID(category string, at time.Time) string {
	return fmt.Sprintf("%s_%d_%s", category, at.UnixMilli(), uuid.New().String()[:6])
}

// Handle tracks a started run until it reaches a terminal state.
type Handle struct {
	RunID       string
	LogFilePath string

	done chan struct{}
	run  models.Run
}

func newHandle(run *models.Run) *Handle {
	return &Handle{RunID: run.ID, LogFilePath: run.LogFilePath, done: make(chan struct{})}
}

func (h *Handle) resolve(run models.Run) {
	h.run = run
	close(h.done)
}

// Done is closed once the run is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run is terminal and returns its final record.
func (h *Handle) Wait(ctx context.Context) (models.Run, error) {
	select {
	case <-h.done:
		return h.run, nil
	case <-ctx.Done():
		return models.Run{}, ctx.Err()
	}
}

// Start admits req and launches the run in the background.
//
// Rejections return an *AdmissionError and leave no record or event. If the
// store fails before the run is underway, Start returns a Handle already
// resolved as failed together with an error wrapping ErrStartFailed.
func (o *Orchestrator) Start(ctx context.Context, req TriggerRequest) (*Handle, error) {
	if !o.acquire() {
		return nil, fmt.Errorf("%w: orchestrator closed", ErrStartFailed)
	}
	launched := false
	defer func() {
		if !launched {
			o.wg.Done()
		}
	}()

	desc, err := o.admit(ctx, &req)
	if err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			o.logger.Info("run rejected", "target_id", req.TargetID, "reason", ae.Reason, "error", ae.Message)
			o.metrics.RecordRejection(o.profile.Op, string(ae.Reason))
			return nil, ae
		}
		return o.abort(ctx, o.newRun(req, nil), err, false)
	}

	run := o.newRun(req, desc)
	createStart := time.Now()
	err = o.store.CreateRun(ctx, run)
	o.metrics.RecordTiming(metrics.OpStoreWrite, time.Since(createStart))
	if err != nil {
		return o.abort(ctx, run, err, true)
	}

	runCtx, cancel := context.WithCancel(o.base)
	runCtx, span := tracer.Start(runCtx, "run."+string(o.profile.Scope),
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("run.category", run.Category),
			attribute.String("run.target_id", run.TargetID),
		))
	active := o.runs.register(run, cancel)
	h := newHandle(run)

	o.broadcast(run, models.Event{
		Type:       models.EventStarted,
		TargetName: run.TargetName,
		Status:     run.Status,
		Timestamp:  run.StartedAt,
	})
	o.note(runCtx, run, models.LevelInfo,
		fmt.Sprintf("Starting %s: %s (%s)", strings.ToLower(o.profile.Label), desc.Name, desc.ID))
	o.logger.Info("run started", "run_id", run.ID, "target_id", run.TargetID, "triggered_by", run.TriggeredBy)

	launched = true
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.execute(runCtx, span, run, desc, active, h)
	}()
	return h, nil
}

// acquire reserves a slot in the shutdown wait group unless Close has begun.
func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	return true
}

// Execute starts a run and waits for it to finish.
func (o *Orchestrator) Execute(ctx context.Context, req TriggerRequest) (models.Run, error) {
	h, err := o.Start(ctx, req)
	if err != nil {
		if h != nil {
			run, _ := h.Wait(ctx)
			return run, err
		}
		return models.Run{}, err
	}
	return h.Wait(ctx)
}

// Cancel requests termination of a run started by any orchestrator sharing
// this orchestrator's RunManager.
func (o *Orchestrator) Cancel(runID string) error {
	return o.runs.Cancel(runID)
}

// Close cancels every run this orchestrator started and waits for them to
// finalize, or for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s runs: %w", o.profile.Scope, ctx.Err())
	}
}

func (o *Orchestrator) newRun(req TriggerRequest, desc *models.Descriptor) *models.Run {
	started := o.now().UTC()
	category, name := string(o.profile.Scope), req.TargetID
	if desc != nil {
		category, name = desc.Category, desc.Name
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}
	return &models.Run{
		ID:           NewRunID(category, started),
		Kind:         o.profile.Scope,
		Category:     category,
		TargetID:     req.TargetID,
		TargetName:   name,
		DataSourceID: req.DataSourceID,
		Status:       models.StatusPending,
		TriggeredBy:  triggeredBy,
		Config:       req.Config,
		Args:         req.Args,
		LogFilePath:  runner.LogPath(o.logDir, category, started),
		StartedAt:    started,
	}
}

func (o *Orchestrator) resolvePath(path string) string {
	if filepath.IsAbs(path) || o.scriptRoot == "" {
		return path
	}
	return filepath.Join(o.scriptRoot, path)
}

func (o *Orchestrator) execute(ctx context.Context, span trace.Span, run *models.Run, desc *models.Descriptor, active *activeRun, h *Handle) {
	var res runner.Result
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("run goroutine panicked", "run_id", run.ID, "panic", r)
			res = runner.Result{
				Status:       models.StatusFailed,
				ExitCode:     runner.SpawnExitCode,
				ErrorMessage: fmt.Sprintf("internal panic: %v", r),
			}
		}
		o.finalize(ctx, span, run, res, h)
	}()

	storeCtx := context.WithoutCancel(ctx)
	res = o.runner.Run(ctx, runner.Spec{
		RunID:        run.ID,
		Scope:        o.profile.Scope,
		Category:     run.Category,
		Path:         o.resolvePath(desc.Path),
		Args:         run.Args,
		Config:       run.Config,
		DataSourceID: run.DataSourceID,
		LogPath:      run.LogFilePath,
		Rooms:        o.rooms(run),
		Classify:     o.profile.Classify,
		OnSpawn: func(pid int) {
			active.markRunning(pid)
			span.AddEvent("spawned", trace.WithAttributes(attribute.Int("pid", pid)))
			if err := o.store.MarkRunning(storeCtx, run.ID); err != nil {
				o.logger.Warn("failed to mark run running", "run_id", run.ID, "error", err)
			}
		},
		OnProgress: func(pct int) {
			active.setProgress(pct)
			if err := o.store.UpdateProgress(storeCtx, run.ID, pct); err != nil {
				o.logger.Warn("failed to persist progress", "run_id", run.ID, "progress", pct, "error", err)
			}
			o.broadcast(run, models.Event{
				Type:      models.EventProgress,
				Status:    models.StatusRunning,
				Progress:  models.Ptr(pct),
				Timestamp: o.now().UTC(),
			})
		},
	})
}

// finalize writes the terminal record and emits the terminal event. It runs
// exactly once per started run.
func (o *Orchestrator) finalize(ctx context.Context, span trace.Span, run *models.Run, res runner.Result, h *Handle) {
	ctx = context.WithoutCancel(ctx)
	final := *run
	defer func() { h.resolve(final) }()
	defer span.End()
	defer o.sink.Release(run.ID)
	defer o.runs.remove(run.ID)

	completedAt := o.now().UTC()
	c := models.Completion{
		Status:         res.Status,
		Progress:       res.Progress,
		ExitCode:       models.Ptr(res.ExitCode),
		ResultsCount:   res.ResultsCount,
		ObjectiveValue: res.ObjectiveValue,
		DurationMs:     res.Duration.Milliseconds(),
		CompletedAt:    completedAt,
	}
	if res.ErrorMessage != "" {
		c.ErrorMessage = models.Ptr(res.ErrorMessage)
	}

	c.Apply(&final)

	writeStart := time.Now()
	applied, err := o.store.FinishRun(ctx, run.ID, c)
	o.metrics.RecordTiming(metrics.OpStoreWrite, time.Since(writeStart))
	switch {
	case err != nil:
		o.logger.Warn("failed to persist run completion", "run_id", run.ID, "status", res.Status, "error", err)
	case !applied:
		// Someone else (the sweeper) finalized the run first; their outcome stands.
		o.logger.Warn("run already terminal, completion discarded", "run_id", run.ID, "status", res.Status)
		if stored, gerr := o.store.GetRun(ctx, run.ID); gerr == nil {
			final = *stored
		}
		span.SetStatus(codes.Error, "finalized elsewhere")
		return
	}

	if res.Status == models.StatusSuccess {
		if err := o.store.MarkDescriptorUsed(ctx, o.profile.Scope, run.TargetID, completedAt); err != nil {
			o.logger.Warn("failed to mark descriptor used", "run_id", run.ID, "target_id", run.TargetID, "error", err)
		}
	}

	ev := models.Event{Status: res.Status, Timestamp: completedAt}
	secs := res.Duration.Seconds()
	switch res.Status {
	case models.StatusSuccess:
		ev.Type = models.EventCompleted
		o.note(ctx, run, models.LevelInfo, fmt.Sprintf("%s completed successfully in %.2fs", o.profile.Label, secs))
		span.SetStatus(codes.Ok, "")
	case models.StatusCancelled:
		ev.Type = models.EventCancelled
		ev.Error = res.ErrorMessage
		o.note(ctx, run, models.LevelWarning, fmt.Sprintf("%s cancelled after %.2fs", o.profile.Label, secs))
		span.SetStatus(codes.Error, "cancelled")
	default:
		ev.Type = models.EventFailed
		ev.Error = res.ErrorMessage
		o.note(ctx, run, models.LevelError, fmt.Sprintf("%s failed: %s", o.profile.Label, res.ErrorMessage))
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	span.SetAttributes(attribute.String("run.status", string(res.Status)), attribute.Int("run.exit_code", res.ExitCode))
	o.broadcast(run, ev)

	o.metrics.RecordRun(o.profile.Op, string(res.Status), res.Duration)
	o.logger.Info("run finished",
		"run_id", run.ID,
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration_ms", res.Duration.Milliseconds(),
		"lines", res.Lines)
}

// abort finalizes a run that never got underway. created reports whether
// the record may exist.
func (o *Orchestrator) abort(ctx context.Context, run *models.Run, cause error, created bool) (*Handle, error) {
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("run could not be started", "run_id", run.ID, "target_id", run.TargetID, "error", cause)

	completedAt := o.now().UTC()
	c := models.Completion{
		Status:       models.StatusFailed,
		ExitCode:     models.Ptr(runner.SpawnExitCode),
		ErrorMessage: models.Ptr(cause.Error()),
		CompletedAt:  completedAt,
	}
	if created {
		if _, err := o.store.FinishRun(ctx, run.ID, c); err != nil && !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("failed to mark aborted run failed", "run_id", run.ID, "error", err)
		}
	}
	c.Apply(run)

	o.broadcast(run, models.Event{
		Type:      models.EventFailed,
		Status:    models.StatusFailed,
		Error:     cause.Error(),
		Timestamp: completedAt,
	})
	o.metrics.RecordRun(o.profile.Op, string(models.StatusFailed), 0)

	h := newHandle(run)
	h.resolve(*run)
	return h, fmt.Errorf("%w: %w", ErrStartFailed, cause)
}

func (o *Orchestrator) rooms(run *models.Run) []string {
	return []string{hub.DashboardRoom, o.profile.Room, hub.JobRoom(run.ID), hub.ModelRoom(run.Category)}
}

// broadcast fills the run identity into ev and publishes it to the run's rooms.
func (o *Orchestrator) broadcast(run *models.Run, ev models.Event) {
	ev.Scope = o.profile.Scope
	ev.RunID = run.ID
	ev.Kind = run.Category
	o.hub.Broadcast(ev, o.rooms(run)...)
}

// note appends an orchestrator-generated line and broadcasts it as a log event.
func (o *Orchestrator) note(ctx context.Context, run *models.Run, level models.LogLevel, msg string) {
	line, ok := o.sink.Append(ctx, run.ID, level, msg)
	ev := models.Event{
		Type:      models.EventLog,
		Level:     level,
		Message:   line.Message,
		Timestamp: line.Timestamp,
	}
	if ok {
		ev.Seq = line.Seq
	}
	o.broadcast(run, ev)
}
