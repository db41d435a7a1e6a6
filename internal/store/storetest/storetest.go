// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Cleanup is the factory's concern.
type Factory func(t *testing.T) store.Store

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Descriptors", func(t *testing.T) { testDescriptors(t, newStore(t)) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("ListRuns", func(t *testing.T) { testListRuns(t, newStore(t)) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, newStore(t)) })
	t.Run("FailStaleRuns", func(t *testing.T) { testFailStaleRuns(t, newStore(t)) })
}

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// NewRun builds a pending run fixture.
func NewRun(id string, started time.Time) *models.Run {
	return &models.Run{
		ID:          id,
		Kind:        models.KindOptimization,
		Category:    "DMO",
		TargetID:    "dmo-v1",
		TargetName:  "Day-ahead",
		Status:      models.StatusPending,
		TriggeredBy: "test",
		Config:      json.RawMessage(`{"horizon":24}`),
		LogFilePath: "/tmp/" + id + ".log",
		StartedAt:   started,
	}
}

func testDescriptors(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetDescriptor(ctx, models.KindOptimization, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	d := models.Descriptor{
		Kind:     models.KindOptimization,
		ID:       "dmo-v1",
		Name:     "Day-ahead",
		Category: "DMO",
		Path:     "models/dmo.py",
		Active:   true,
	}
	require.NoError(t, s.UpsertDescriptor(ctx, d))
	require.NoError(t, s.UpsertDescriptor(ctx, models.Descriptor{
		Kind: models.KindScript, ID: "probe", Name: "Probe", Category: "test", Path: "probe.sh", Active: false,
	}))

	got, err := s.GetDescriptor(ctx, models.KindOptimization, "dmo-v1")
	require.NoError(t, err)
	assert.Equal(t, "Day-ahead", got.Name)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastUsedAt)
	assert.Equal(t, 0, got.TotalRuns)

	used := base.Add(time.Hour)
	require.NoError(t, s.MarkDescriptorUsed(ctx, models.KindOptimization, "dmo-v1", used))
	require.ErrorIs(t, s.MarkDescriptorUsed(ctx, models.KindOptimization, "nope", used), store.ErrNotFound)

	// Re-upsert must keep usage counters.
	d.Name = "Day-ahead v2"
	d.Active = false
	require.NoError(t, s.UpsertDescriptor(ctx, d))

	got, err = s.GetDescriptor(ctx, models.KindOptimization, "dmo-v1")
	require.NoError(t, err)
	assert.Equal(t, "Day-ahead v2", got.Name)
	assert.False(t, got.Active)
	assert.Equal(t, 1, got.TotalRuns)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, used, *got.LastUsedAt, time.Millisecond)

	list, err := s.ListDescriptors(ctx, models.KindScript)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "probe", list[0].ID)
	assert.Equal(t, models.KindScript, list[0].Kind)
}

func testRunLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	run := NewRun("DMO_1_life", base)
	run.DataSourceID = models.Ptr("ds-7")
	require.NoError(t, s.CreateRun(ctx, run))
	require.ErrorIs(t, s.CreateRun(ctx, run), store.ErrConflict)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)
	require.NotNil(t, got.DataSourceID)
	assert.Equal(t, "ds-7", *got.DataSourceID)
	assert.JSONEq(t, `{"horizon":24}`, string(got.Config))
	assert.WithinDuration(t, base, got.StartedAt, time.Millisecond)

	_, err = s.GetRun(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.MarkRunning(ctx, run.ID))
	require.NoError(t, s.UpdateProgress(ctx, run.ID, 140))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)
	assert.Equal(t, 100, got.Progress)

	completed := base.Add(90 * time.Second)
	applied, err := s.FinishRun(ctx, run.ID, models.Completion{
		Status:         models.StatusSuccess,
		Progress:       100,
		ExitCode:       models.Ptr(0),
		ResultsCount:   models.Ptr(42),
		ObjectiveValue: models.Ptr(1234.5),
		DurationMs:     90000,
		CompletedAt:    completed,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// Terminal states are never revisited.
	applied, err = s.FinishRun(ctx, run.ID, models.Completion{
		Status:       models.StatusFailed,
		ErrorMessage: models.Ptr("late"),
		CompletedAt:  completed.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, s.MarkRunning(ctx, run.ID))
	require.NoError(t, s.UpdateProgress(ctx, run.ID, 5))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.WithinDuration(t, completed, *got.CompletedAt, time.Millisecond)
	require.NotNil(t, got.ResultsCount)
	assert.Equal(t, 42, *got.ResultsCount)
	require.NotNil(t, got.ObjectiveValue)
	assert.InDelta(t, 1234.5, *got.ObjectiveValue, 1e-9)
	assert.Nil(t, got.ErrorMessage)

	_, err = s.FinishRun(ctx, "missing", models.Completion{Status: models.StatusFailed, CompletedAt: completed})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testListRuns(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := range 5 {
		run := NewRun(fmt.Sprintf("DMO_%d_list", i), base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			run.Kind = models.KindScript
			run.Category = "test"
			run.TargetID = "probe"
		}
		require.NoError(t, s.CreateRun(ctx, run))
	}
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, s.AppendLog(ctx, models.LogLine{
			RunID: "DMO_4_list", Seq: seq, Level: models.LevelInfo, Message: "x", Timestamp: base,
		}))
	}
	_, err := s.FinishRun(ctx, "DMO_0_list", models.Completion{Status: models.StatusSuccess, CompletedAt: base.Add(time.Hour)})
	require.NoError(t, err)

	runs, total, err := s.ListRuns(ctx, store.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 2)
	assert.Equal(t, "DMO_4_list", runs[0].ID, "most recent first")
	assert.Equal(t, 3, runs[0].LogCount)

	runs, total, err = s.ListRuns(ctx, store.RunFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "DMO_0_list", runs[0].ID)

	runs, total, err = s.ListRuns(ctx, store.RunFilter{Kind: models.KindScript})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, r := range runs {
		assert.Equal(t, "probe", r.TargetID)
	}

	since := base.Add(-time.Minute)
	runs, total, err = s.ListRuns(ctx, store.RunFilter{
		Category:     "DMO",
		TargetID:     "dmo-v1",
		Statuses:     []models.RunStatus{models.StatusSuccess},
		StartedSince: &since,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, runs, 1)
	assert.Equal(t, "DMO_0_list", runs[0].ID)

	later := base.Add(time.Hour)
	_, total, err = s.ListRuns(ctx, store.RunFilter{StartedSince: &later})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func testLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, NewRun("DMO_1_logs", base)))

	levels := []models.LogLevel{models.LevelInfo, models.LevelError, models.LevelInfo, models.LevelWarning, models.LevelInfo}
	for i, lvl := range levels {
		require.NoError(t, s.AppendLog(ctx, models.LogLine{
			RunID:     "DMO_1_logs",
			Seq:       int64(i + 1),
			Level:     lvl,
			Message:   fmt.Sprintf("line %d", i+1),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	err := s.AppendLog(ctx, models.LogLine{RunID: "DMO_1_logs", Seq: 2, Level: models.LevelInfo, Message: "dup", Timestamp: base})
	require.ErrorIs(t, err, store.ErrConflict)

	lines, total, err := s.ListLogs(ctx, store.LogFilter{RunID: "DMO_1_logs", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(2), lines[0].Seq)
	assert.Equal(t, int64(3), lines[1].Seq)

	lines, total, err = s.ListLogs(ctx, store.LogFilter{RunID: "DMO_1_logs", Level: models.LevelInfo})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, l := range lines {
		assert.Equal(t, models.LevelInfo, l.Level)
	}

	recent, err := s.RecentLogs(ctx, "DMO_1_logs", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(4), recent[0].Seq, "tail is ascending")
	assert.Equal(t, int64(5), recent[1].Seq)
	assert.Equal(t, "line 5", recent[1].Message)

	recent, err = s.RecentLogs(ctx, "unknown", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func testFailStaleRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(10 * time.Hour)

	old := NewRun("DMO_1_old", base)
	oldRunning := NewRun("DMO_2_oldrunning", base)
	excluded := NewRun("DMO_3_excluded", base)
	fresh := NewRun("DMO_4_fresh", now.Add(-time.Minute))
	done := NewRun("DMO_5_done", base)
	for _, r := range []*models.Run{old, oldRunning, excluded, fresh, done} {
		require.NoError(t, s.CreateRun(ctx, r))
	}
	require.NoError(t, s.MarkRunning(ctx, oldRunning.ID))
	_, err := s.FinishRun(ctx, done.ID, models.Completion{Status: models.StatusSuccess, CompletedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	swept, err := s.FailStaleRuns(ctx, store.StaleFilter{
		StartedBefore: now.Add(-6 * time.Hour),
		Exclude:       []string{excluded.ID},
	}, "orphaned", now)
	require.NoError(t, err)

	ids := make([]string, 0, len(swept))
	for _, r := range swept {
		ids = append(ids, r.ID)
		assert.Equal(t, models.StatusFailed, r.Status)
		require.NotNil(t, r.CompletedAt)
	}
	assert.ElementsMatch(t, []string{old.ID, oldRunning.ID}, ids)

	for id, want := range map[string]models.RunStatus{
		old.ID:        models.StatusFailed,
		oldRunning.ID: models.StatusFailed,
		excluded.ID:   models.StatusPending,
		fresh.ID:      models.StatusPending,
		done.ID:       models.StatusSuccess,
	} {
		got, err := s.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
		assert.Equal(t, want.Terminal(), got.CompletedAt != nil, id)
	}

	got, err := s.GetRun(ctx, old.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "orphaned", *got.ErrorMessage)
}
