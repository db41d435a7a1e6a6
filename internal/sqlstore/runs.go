package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
)

const runColumns = `run_id, kind, category, target_id, target_name, data_source_id, status, progress,
	triggered_by, config, args, log_file_path, exit_code, results_count, objective_value,
	duration_ms, error_message, started_at, completed_at`

// activeIn is the SQL guard that keeps terminal runs immutable.
const activeIn = `status IN ('pending', 'running')`

// CreateRun inserts a new run. A duplicate id yields store.ErrConflict.
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	config := string(run.Config)
	if config == "" {
		config = "{}"
	}
	args, err := json.Marshal(nonNilArgs(run.Args))
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	var completedAt any
	if run.CompletedAt != nil {
		completedAt = run.CompletedAt.UTC()
	}

	_, err = s.exec(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (`+placeholders(19)+`)`,
		run.ID, string(run.Kind), run.Category, run.TargetID, run.TargetName, nullString(run.DataSourceID),
		string(run.Status), run.Progress, run.TriggeredBy, config, string(args), run.LogFilePath,
		nullInt(run.ExitCode), nullInt(run.ResultsCount), nullFloat(run.ObjectiveValue),
		nullInt64(run.DurationMs), nullString(run.ErrorMessage), run.StartedAt.UTC(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, wrapError(err))
	}
	return nil
}

// MarkRunning moves a pending run to running. Other states are left untouched.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE runs SET status = 'running' WHERE run_id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.ensureRun(ctx, id)
	}
	return nil
}

// UpdateProgress records progress for a non-terminal run.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := s.exec(ctx, `UPDATE runs SET progress = ? WHERE run_id = ? AND `+activeIn,
		store.ClampProgress(progress), id)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.ensureRun(ctx, id)
	}
	return nil
}

// FinishRun writes terminal values in a single guarded UPDATE.
func (s *Store) FinishRun(ctx context.Context, id string, c models.Completion) (bool, error) {
	if !c.Status.Terminal() {
		return false, fmt.Errorf("finish run %s: status %q is not terminal", id, c.Status)
	}

	res, err := s.exec(ctx, `
		UPDATE runs SET
			status = ?, progress = ?, exit_code = ?, results_count = ?, objective_value = ?,
			duration_ms = ?, error_message = ?, completed_at = ?
		WHERE run_id = ? AND `+activeIn,
		string(c.Status), store.ClampProgress(c.Progress), nullInt(c.ExitCode), nullInt(c.ResultsCount),
		nullFloat(c.ObjectiveValue), c.DurationMs, nullString(c.ErrorMessage), c.CompletedAt.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish run %s: %w", id, err)
	}
	if n == 0 {
		return false, s.ensureRun(ctx, id)
	}
	return true, nil
}

// GetRun returns store.ErrNotFound when the run is missing.
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.queryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs most recent first with per-run log counts.
func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]models.Run, int, error) {
	where, args := runWhere(f)
	limit, offset := store.NormalizePage(f.Limit, f.Offset)

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := s.query(ctx, `SELECT `+runColumns+` FROM runs`+where+`
		ORDER BY started_at DESC, run_id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, 0, err
	}

	if err := s.fillLogCounts(ctx, runs); err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// FailStaleRuns fails orphaned runs and returns the rows it changed.
// Each row is updated under the active-status guard, so a run that finishes
// between the scan and the update is left alone.
func (s *Store) FailStaleRuns(ctx context.Context, f store.StaleFilter, reason string, at time.Time) ([]models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + activeIn + ` AND started_at < ?`
	args := []any{f.StartedBefore.UTC()}
	if len(f.Exclude) > 0 {
		query += ` AND run_id NOT IN (` + placeholders(len(f.Exclude)) + `)`
		for _, id := range f.Exclude {
			args = append(args, id)
		}
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find stale runs: %w", err)
	}
	candidates, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}

	swept := make([]models.Run, 0, len(candidates))
	for _, run := range candidates {
		res, err := s.exec(ctx, `UPDATE runs SET status = 'failed', error_message = ?, completed_at = ?
			WHERE run_id = ? AND `+activeIn, reason, at.UTC(), run.ID)
		if err != nil {
			return swept, fmt.Errorf("fail stale run %s: %w", run.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		run.Status = models.StatusFailed
		run.ErrorMessage = models.Ptr(reason)
		completed := at
		run.CompletedAt = &completed
		swept = append(swept, run)
	}
	return swept, nil
}

func (s *Store) ensureRun(ctx context.Context, id string) error {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) fillLogCounts(ctx context.Context, runs []models.Run) error {
	if len(runs) == 0 {
		return nil
	}
	ids := make([]any, len(runs))
	index := make(map[string]int, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
		index[r.ID] = i
	}

	rows, err := s.query(ctx, `SELECT run_id, COUNT(*) FROM run_logs
		WHERE run_id IN (`+placeholders(len(ids))+`) GROUP BY run_id`, ids...)
	if err != nil {
		return fmt.Errorf("count logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return fmt.Errorf("scan log count: %w", err)
		}
		if i, ok := index[id]; ok {
			runs[i].LogCount = n
		}
	}
	return rows.Err()
}

func runWhere(f store.RunFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.DataSourceID != "" {
		clauses = append(clauses, "data_source_id = ?")
		args = append(args, f.DataSourceID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.StartedSince != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, f.StartedSince.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func collectRuns(rows *sql.Rows) ([]models.Run, error) {
	defer rows.Close()
	runs := []models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(sc rowScanner) (*models.Run, error) {
	var (
		run          models.Run
		kind, status string
		config, args string
		dataSource   sql.NullString
		exitCode     sql.NullInt64
		results      sql.NullInt64
		objective    sql.NullFloat64
		duration     sql.NullInt64
		errMsg       sql.NullString
		completedAt  sql.NullTime
	)

	err := sc.Scan(
		&run.ID, &kind, &run.Category, &run.TargetID, &run.TargetName, &dataSource, &status, &run.Progress,
		&run.TriggeredBy, &config, &args, &run.LogFilePath, &exitCode, &results, &objective,
		&duration, &errMsg, &run.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Kind = models.RunKind(kind)
	run.Status = models.RunStatus(status)
	if config != "" {
		run.Config = json.RawMessage(config)
	}
	if args != "" && args != "[]" {
		if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	if dataSource.Valid {
		run.DataSourceID = &dataSource.String
	}
	if exitCode.Valid {
		run.ExitCode = models.Ptr(int(exitCode.Int64))
	}
	if results.Valid {
		run.ResultsCount = models.Ptr(int(results.Int64))
	}
	if objective.Valid {
		run.ObjectiveValue = &objective.Float64
	}
	if duration.Valid {
		run.DurationMs = &duration.Int64
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func nonNilArgs(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
