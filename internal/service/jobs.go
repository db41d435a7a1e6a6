// Package service orchestrates runs: admission, process execution,
// finalization, status queries and orphan reconciliation.
package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
)

// ErrRunNotActive is returned when cancelling a run this process is not executing.
var ErrRunNotActive = errors.New("run is not active")

// ActiveRun is a point-in-time copy of an in-flight run.
type ActiveRun struct {
	ID         string           `json:"run_id"`
	Kind       models.RunKind   `json:"kind"`
	Category   string           `json:"category"`
	TargetID   string           `json:"target_id"`
	Status     models.RunStatus `json:"status"`
	PID        int              `json:"pid,omitempty"`
	Progress   int              `json:"progress"`
	StartedAt  time.Time        `json:"started_at"`
	Cancelling bool             `json:"cancelling,omitempty"`
}

// activeRun is the mutable registry entry behind ActiveRun.
type activeRun struct {
	mu     sync.RWMutex
	info   ActiveRun
	cancel context.CancelFunc
}

func (a *activeRun) markRunning(pid int) {
	a.mu.Lock()
	a.info.Status = models.StatusRunning
	a.info.PID = pid
	a.mu.Unlock()
}

func (a *activeRun) setProgress(p int) {
	a.mu.Lock()
	a.info.Progress = p
	a.mu.Unlock()
}

// Snapshot returns a thread-safe copy of the run state.
func (a *activeRun) Snapshot() ActiveRun {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// RunManager tracks runs executing in this process. Both orchestrator
// variants share one manager so the sweeper sees every live run.
type RunManager struct {
	runs map[string]*activeRun
	mu   sync.RWMutex
}

// NewRunManager creates an empty manager.
func NewRunManager() *RunManager {
	return &RunManager{runs: make(map[string]*activeRun)}
}

func (m *RunManager) register(run *models.Run, cancel context.CancelFunc) *activeRun {
	a := &activeRun{
		info: ActiveRun{
			ID:        run.ID,
			Kind:      run.Kind,
			Category:  run.Category,
			TargetID:  run.TargetID,
			Status:    run.Status,
			StartedAt: run.StartedAt,
		},
		cancel: cancel,
	}
	m.mu.Lock()
	m.runs[run.ID] = a
	m.mu.Unlock()
	return a
}

func (m *RunManager) remove(id string) {
	m.mu.Lock()
	delete(m.runs, id)
	m.mu.Unlock()
}

// Get returns the active run with id.
func (m *RunManager) Get(id string) (ActiveRun, bool) {
	m.mu.RLock()
	a, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return ActiveRun{}, false
	}
	return a.Snapshot(), true
}

// IDs returns the ids of all active runs.
func (m *RunManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// List returns all active runs, most recent first.
func (m *RunManager) List() []ActiveRun {
	m.mu.RLock()
	runs := make([]ActiveRun, 0, len(m.runs))
	for _, a := range m.runs {
		runs = append(runs, a.Snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(runs, func(a, b ActiveRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return runs
}

// Len reports the number of active runs.
func (m *RunManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// Cancel requests termination of an active run. It returns once the request
// is issued; the run finalizes asynchronously as cancelled.
func (m *RunManager) Cancel(id string) error {
	m.mu.RLock()
	a, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrRunNotActive
	}
	a.mu.Lock()
	a.info.Cancelling = true
	a.mu.Unlock()
	a.cancel()
	return nil
}
