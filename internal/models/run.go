// Package models defines data structures shared by the runhub core.
package models

import (
	"encoding/json"
	"time"
)

// RunKind distinguishes optimization jobs from ad-hoc scripts.
type RunKind string

const (
	KindOptimization RunKind = "optimization"
	KindScript       RunKind = "script"
)

// Valid reports whether k is a known kind.
func (k RunKind) Valid() bool {
	return k == KindOptimization || k == KindScript
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// ActiveStatuses are the non-terminal states.
var ActiveStatuses = []RunStatus{StatusPending, StatusRunning}

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Run is one invocation of an external script, tracked end-to-end.
// CompletedAt is set if and only if Status is terminal.
type Run struct {
	ID             string          `json:"run_id"`
	Kind           RunKind         `json:"kind"`
	Category       string          `json:"category"`
	TargetID       string          `json:"target_id"`
	TargetName     string          `json:"target_name"`
	DataSourceID   *string         `json:"data_source_id,omitempty"`
	Status         RunStatus       `json:"status"`
	Progress       int             `json:"progress"`
	TriggeredBy    string          `json:"triggered_by"`
	Config         json.RawMessage `json:"config,omitempty"`
	Args           []string        `json:"args,omitempty"`
	LogFilePath    string          `json:"log_file_path"`
	ExitCode       *int            `json:"exit_code,omitempty"`
	ResultsCount   *int            `json:"results_count,omitempty"`
	ObjectiveValue *float64        `json:"objective_value,omitempty"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`

	// LogCount is populated by list queries only.
	LogCount int `json:"log_count,omitempty"`
}

// Completion carries the terminal values written when a Run finishes.
type Completion struct {
	Status         RunStatus
	Progress       int
	ExitCode       *int
	ResultsCount   *int
	ObjectiveValue *float64
	DurationMs     int64
	ErrorMessage   *string
	CompletedAt    time.Time
}

// Apply copies the completion onto r.
func (c Completion) Apply(r *Run) {
	r.Status = c.Status
	r.Progress = c.Progress
	r.ExitCode = c.ExitCode
	r.ResultsCount = c.ResultsCount
	r.ObjectiveValue = c.ObjectiveValue
	d := c.DurationMs
	r.DurationMs = &d
	r.ErrorMessage = c.ErrorMessage
	at := c.CompletedAt
	r.CompletedAt = &at
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
