package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
)

// DefaultStatusLogs is the number of recent log lines a status view carries
// when the caller does not ask for a specific count.
const DefaultStatusLogs = 100

// ErrLogFileMissing is returned when a run's log file cannot be found on disk.
var ErrLogFileMissing = errors.New("log file not found")

// StatusView answers the poller: the run, its liveness and its latest lines.
type StatusView struct {
	models.Run
	IsRunning  bool             `json:"is_running"`
	IsComplete bool             `json:"is_complete"`
	DurationMs int64            `json:"duration_ms"`
	Active     *ActiveRun       `json:"active,omitempty"`
	Logs       []models.LogLine `json:"logs"`
}

// StatusService serves read-side queries over runs and their logs.
type StatusService struct {
	store       store.Store
	runs        *RunManager
	defaultLogs int
	now         func() time.Time
}

// NewStatusService creates a StatusService. defaultLogs <= 0 uses DefaultStatusLogs.
func NewStatusService(s store.Store, runs *RunManager, defaultLogs int) *StatusService {
	if defaultLogs <= 0 {
		defaultLogs = DefaultStatusLogs
	}
	if runs == nil {
		runs = NewRunManager()
	}
	return &StatusService{store: s, runs: runs, defaultLogs: defaultLogs, now: time.Now}
}

// Status returns the run with its n most recent log lines in ascending order.
// n <= 0 uses the service default.
func (s *StatusService) Status(ctx context.Context, id string, n int) (*StatusView, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if n <= 0 {
		n = s.defaultLogs
	}
	logs, err := s.store.RecentLogs(ctx, id, n)
	if err != nil {
		return nil, fmt.Errorf("recent logs %s: %w", id, err)
	}
	if logs == nil {
		logs = []models.LogLine{}
	}

	view := &StatusView{
		Run:        *run,
		IsRunning:  !run.Status.Terminal(),
		IsComplete: run.Status.Terminal(),
		Logs:       logs,
	}
	switch {
	case run.DurationMs != nil:
		view.DurationMs = *run.DurationMs
	case run.CompletedAt != nil:
		view.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	default:
		view.DurationMs = s.now().Sub(run.StartedAt).Milliseconds()
	}
	if a, ok := s.runs.Get(id); ok {
		view.Active = &a
		view.Progress = max(view.Progress, a.Progress)
	}
	return view, nil
}

// ListRuns returns a page of runs, most recent first, with the total count.
func (s *StatusService) ListRuns(ctx context.Context, f store.RunFilter) ([]models.Run, int, error) {
	f.Limit, f.Offset = store.NormalizePage(f.Limit, f.Offset)
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, fmt.Errorf("unknown status %q", st)
		}
	}
	runs, total, err := s.store.ListRuns(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	if runs == nil {
		runs = []models.Run{}
	}
	return runs, total, nil
}

// Logs returns a page of a run's log lines in ascending sequence order.
func (s *StatusService) Logs(ctx context.Context, f store.LogFilter) ([]models.LogLine, int, error) {
	if _, err := s.store.GetRun(ctx, f.RunID); err != nil {
		return nil, 0, fmt.Errorf("get run %s: %w", f.RunID, err)
	}
	if f.Level != "" && !f.Level.Valid() {
		return nil, 0, fmt.Errorf("unknown level %q", f.Level)
	}
	f.Limit, f.Offset = store.NormalizePage(f.Limit, f.Offset)
	logs, total, err := s.store.ListLogs(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs %s: %w", f.RunID, err)
	}
	if logs == nil {
		logs = []models.LogLine{}
	}
	return logs, total, nil
}

// ReadLogFile returns the raw content of the run's log file.
func (s *StatusService) ReadLogFile(ctx context.Context, id string) ([]byte, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	data, err := os.ReadFile(run.LogFilePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrLogFileMissing, run.LogFilePath)
	}
	if err != nil {
		return nil, fmt.Errorf("read log file %s: %w", run.LogFilePath, err)
	}
	return data, nil
}

// Descriptors lists the targets of one kind.
func (s *StatusService) Descriptors(ctx context.Context, kind models.RunKind) ([]models.Descriptor, error) {
	ds, err := s.store.ListDescriptors(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s descriptors: %w", kind, err)
	}
	if ds == nil {
		ds = []models.Descriptor{}
	}
	return ds, nil
}
