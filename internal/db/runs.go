package db

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// runRecord is the stored shape of a run.
type runRecord struct {
	ID             surrealmodels.RecordID `json:"id"`
	RunID          string                 `json:"run_id"`
	Kind           string                 `json:"kind"`
	Category       string                 `json:"category"`
	TargetID       string                 `json:"target_id"`
	TargetName     string                 `json:"target_name"`
	DataSourceID   *string                `json:"data_source_id"`
	Status         string                 `json:"status"`
	Progress       int                    `json:"progress"`
	TriggeredBy    string                 `json:"triggered_by"`
	Config         string                 `json:"config"`
	Args           []string               `json:"args"`
	LogFilePath    string                 `json:"log_file_path"`
	ExitCode       *int                   `json:"exit_code"`
	ResultsCount   *int                   `json:"results_count"`
	ObjectiveValue *float64               `json:"objective_value"`
	DurationMs     *int64                 `json:"duration_ms"`
	ErrorMessage   *string                `json:"error_message"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at"`
}

func (r runRecord) toModel() models.Run {
	run := models.Run{
		ID:             r.RunID,
		Kind:           models.RunKind(r.Kind),
		Category:       r.Category,
		TargetID:       r.TargetID,
		TargetName:     r.TargetName,
		DataSourceID:   r.DataSourceID,
		Status:         models.RunStatus(r.Status),
		Progress:       r.Progress,
		TriggeredBy:    r.TriggeredBy,
		LogFilePath:    r.LogFilePath,
		ExitCode:       r.ExitCode,
		ResultsCount:   r.ResultsCount,
		ObjectiveValue: r.ObjectiveValue,
		DurationMs:     r.DurationMs,
		ErrorMessage:   r.ErrorMessage,
		StartedAt:      r.StartedAt.UTC(),
	}
	if r.Config != "" {
		run.Config = json.RawMessage(r.Config)
	}
	if len(r.Args) > 0 {
		run.Args = r.Args
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		run.CompletedAt = &t
	}
	return run
}

func activeStatuses() []string {
	out := make([]string, len(models.ActiveStatuses))
	for i, s := range models.ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

// CreateRun inserts a new run. A duplicate id yields store.ErrConflict.
func (c *Client) CreateRun(ctx context.Context, run *models.Run) error {
	config := string(run.Config)
	if config == "" {
		config = "{}"
	}
	args := run.Args
	if args == nil {
		args = []string{}
	}

	content := map[string]any{
		"run_id":          run.ID,
		"kind":            string(run.Kind),
		"category":        run.Category,
		"target_id":       run.TargetID,
		"target_name":     run.TargetName,
		"data_source_id":  run.DataSourceID,
		"status":          string(run.Status),
		"progress":        run.Progress,
		"triggered_by":    run.TriggeredBy,
		"config":          config,
		"args":            args,
		"log_file_path":   run.LogFilePath,
		"exit_code":       run.ExitCode,
		"results_count":   run.ResultsCount,
		"objective_value": run.ObjectiveValue,
		"duration_ms":     run.DurationMs,
		"error_message":   run.ErrorMessage,
		"started_at":      run.StartedAt.UTC(),
		"completed_at":    run.CompletedAt,
	}

	_, err := rows[runRecord](ctx, c, `CREATE type::record("run", $id) CONTENT $content`, map[string]any{
		"id":      run.ID,
		"content": content,
	})
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// MarkRunning moves a pending run to running. Other states are left untouched.
func (c *Client) MarkRunning(ctx context.Context, id string) error {
	updated, err := rows[runRecord](ctx, c, `
		UPDATE type::record("run", $id) SET status = "running"
		WHERE status = "pending" RETURN AFTER`,
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	if len(updated) == 0 {
		return c.ensureRun(ctx, id)
	}
	return nil
}

// UpdateProgress records progress for a non-terminal run.
func (c *Client) UpdateProgress(ctx context.Context, id string, progress int) error {
	updated, err := rows[runRecord](ctx, c, `
		UPDATE type::record("run", $id) SET progress = $progress
		WHERE status INSIDE $active RETURN AFTER`,
		map[string]any{"id": id, "progress": store.ClampProgress(progress), "active": activeStatuses()})
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	if len(updated) == 0 {
		return c.ensureRun(ctx, id)
	}
	return nil
}

// FinishRun writes terminal values in one guarded UPDATE.
func (c *Client) FinishRun(ctx context.Context, id string, done models.Completion) (bool, error) {
	if !done.Status.Terminal() {
		return false, fmt.Errorf("finish run %s: status %q is not terminal", id, done.Status)
	}

	updated, err := rows[runRecord](ctx, c, `
		UPDATE type::record("run", $id) SET
			status = $status,
			progress = $progress,
			exit_code = $exit_code,
			results_count = $results_count,
			objective_value = $objective_value,
			duration_ms = $duration_ms,
			error_message = $error_message,
			completed_at = $completed_at
		WHERE status INSIDE $active RETURN AFTER`,
		map[string]any{
			"id":              id,
			"status":          string(done.Status),
			"progress":        store.ClampProgress(done.Progress),
			"exit_code":       done.ExitCode,
			"results_count":   done.ResultsCount,
			"objective_value": done.ObjectiveValue,
			"duration_ms":     done.DurationMs,
			"error_message":   done.ErrorMessage,
			"completed_at":    done.CompletedAt.UTC(),
			"active":          activeStatuses(),
		})
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	if len(updated) == 0 {
		return false, c.ensureRun(ctx, id)
	}
	return true, nil
}

// GetRun returns store.ErrNotFound when the run is missing.
func (c *Client) GetRun(ctx context.Context, id string) (*models.Run, error) {
	res, err := rows[runRecord](ctx, c, `SELECT * FROM type::record("run", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	if len(res) == 0 {
		return nil, store.ErrNotFound
	}
	run := res[0].toModel()
	return &run, nil
}

// ListRuns returns runs most recent first with per-run log counts.
func (c *Client) ListRuns(ctx context.Context, f store.RunFilter) ([]models.Run, int, error) {
	where, vars := runWhere(f)
	limit, offset := store.NormalizePage(f.Limit, f.Offset)

	total, err := c.count(ctx, `SELECT count() AS total FROM run`+where+` GROUP ALL`, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	res, err := rows[runRecord](ctx, c, fmt.Sprintf(`SELECT * FROM run%s
		ORDER BY started_at DESC, run_id DESC LIMIT %d START %d`, where, limit, offset), vars)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}

	runs := make([]models.Run, len(res))
	for i, r := range res {
		runs[i] = r.toModel()
	}
	if err := c.fillLogCounts(ctx, runs); err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// FailStaleRuns fails orphaned runs in a single guarded UPDATE and
// returns the records it changed.
func (c *Client) FailStaleRuns(ctx context.Context, f store.StaleFilter, reason string, at time.Time) ([]models.Run, error) {
	exclude := f.Exclude
	if exclude == nil {
		exclude = []string{}
	}

	res, err := rows[runRecord](ctx, c, `
		UPDATE run SET status = "failed", error_message = $reason, completed_at = $at
		WHERE status INSIDE $active AND started_at < $before AND run_id NOTINSIDE $exclude
		RETURN AFTER`,
		map[string]any{
			"reason":  reason,
			"at":      at.UTC(),
			"active":  activeStatuses(),
			"before":  f.StartedBefore.UTC(),
			"exclude": exclude,
		})
	if err != nil {
		return nil, fmt.Errorf("fail stale runs: %w", err)
	}

	swept := make([]models.Run, len(res))
	for i, r := range res {
		swept[i] = r.toModel()
	}
	return swept, nil
}

func (c *Client) ensureRun(ctx context.Context, id string) error {
	n, err := c.count(ctx, `SELECT count() AS total FROM type::record("run", $id) GROUP ALL`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type logCountRow struct {
	RunID string `json:"run_id"`
	Total int    `json:"total"`
}

func (c *Client) fillLogCounts(ctx context.Context, runs []models.Run) error {
	if len(runs) == 0 {
		return nil
	}
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}

	counts, err := rows[logCountRow](ctx, c, `
		SELECT run_id, count() AS total FROM run_log
		WHERE run_id INSIDE $ids GROUP BY run_id`,
		map[string]any{"ids": ids})
	if err != nil {
		return fmt.Errorf("count logs: %w", err)
	}
	for _, lc := range counts {
		if i := slices.Index(ids, lc.RunID); i >= 0 {
			runs[i].LogCount = lc.Total
		}
	}
	return nil
}

func runWhere(f store.RunFilter) (string, map[string]any) {
	var clauses []string
	vars := map[string]any{}

	if f.Kind != "" {
		clauses = append(clauses, "kind = $kind")
		vars["kind"] = string(f.Kind)
	}
	if f.Category != "" {
		clauses = append(clauses, "category = $category")
		vars["category"] = f.Category
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id = $target_id")
		vars["target_id"] = f.TargetID
	}
	if f.DataSourceID != "" {
		clauses = append(clauses, "data_source_id = $data_source_id")
		vars["data_source_id"] = f.DataSourceID
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, "status INSIDE $statuses")
		vars["statuses"] = statuses
	}
	if f.StartedSince != nil {
		clauses = append(clauses, "started_at >= $since")
		vars["since"] = f.StartedSince.UTC()
	}

	if len(clauses) == 0 {
		return "", vars
	}
	return " WHERE " + strings.Join(clauses, " AND "), vars
}
