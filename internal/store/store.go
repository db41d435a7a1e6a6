// Package store defines the Execution Record Store contract shared by the
// SQL and SurrealDB backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
)

// Sentinel errors. Use errors.Is() to check for these in calling code.
var (
	// ErrNotFound indicates the requested run or descriptor does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a duplicate key: a run id or a (run, seq) pair.
	ErrConflict = errors.New("record already exists")
)

// Default and maximum page sizes for list queries.
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// RunFilter narrows ListRuns. Zero values mean "any".
type RunFilter struct {
	Kind         models.RunKind
	Category     string
	TargetID     string
	DataSourceID string
	Statuses     []models.RunStatus
	StartedSince *time.Time
	Limit        int
	Offset       int
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	RunID  string
	Level  models.LogLevel
	Limit  int
	Offset int
}

// StaleFilter selects orphaned runs for FailStaleRuns.
type StaleFilter struct {
	StartedBefore time.Time
	Exclude       []string
}

// DescriptorStore holds model and script descriptors.
type DescriptorStore interface {
	UpsertDescriptor(ctx context.Context, d models.Descriptor) error
	GetDescriptor(ctx context.Context, kind models.RunKind, id string) (*models.Descriptor, error)
	ListDescriptors(ctx context.Context, kind models.RunKind) ([]models.Descriptor, error)
	MarkDescriptorUsed(ctx context.Context, kind models.RunKind, id string, at time.Time) error
}

// RunStore holds Run records. Updates to a terminal run are never applied.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	// FinishRun applies c only while the run is still pending or running.
	// It reports whether the update was applied.
	FinishRun(ctx context.Context, id string, c models.Completion) (bool, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	// ListRuns returns a page of runs, most recent first, and the total match count.
	ListRuns(ctx context.Context, f RunFilter) ([]models.Run, int, error)
	// FailStaleRuns marks matching non-terminal runs failed and returns them.
	FailStaleRuns(ctx context.Context, f StaleFilter, reason string, at time.Time) ([]models.Run, error)
}

// LogStore holds structured log lines.
type LogStore interface {
	AppendLog(ctx context.Context, line models.LogLine) error
	// ListLogs returns a page in ascending sequence order and the total match count.
	ListLogs(ctx context.Context, f LogFilter) ([]models.LogLine, int, error)
	// RecentLogs returns the last n lines of a run in ascending sequence order.
	RecentLogs(ctx context.Context, runID string, n int) ([]models.LogLine, error)
}

// Store is the full Execution Record Store.
type Store interface {
	DescriptorStore
	RunStore
	LogStore
	Close(ctx context.Context) error
}

// NormalizePage clamps limit and offset to sane bounds.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ClampProgress keeps progress within 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
