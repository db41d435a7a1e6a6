package sqlstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
)

// AppendLog inserts one log line. A duplicate (run, seq) yields store.ErrConflict.
func (s *Store) AppendLog(ctx context.Context, line models.LogLine) error {
	_, err := s.exec(ctx, `INSERT INTO run_logs (run_id, seq, level, message, ts) VALUES (?, ?, ?, ?, ?)`,
		line.RunID, line.Seq, string(line.Level), line.Message, line.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append log %s#%d: %w", line.RunID, line.Seq, wrapError(err))
	}
	return nil
}

// ListLogs pages through a run's logs in sequence order.
func (s *Store) ListLogs(ctx context.Context, f store.LogFilter) ([]models.LogLine, int, error) {
	where := ` WHERE run_id = ?`
	args := []any{f.RunID}
	if f.Level != "" {
		where += ` AND level = ?`
		args = append(args, string(f.Level))
	}
	limit, offset := store.NormalizePage(f.Limit, f.Offset)

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM run_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	lines, err := s.selectLogs(ctx, `SELECT run_id, seq, level, message, ts FROM run_logs`+where+`
		ORDER BY seq ASC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return lines, total, nil
}

// RecentLogs returns the tail of a run's log in ascending order.
func (s *Store) RecentLogs(ctx context.Context, runID string, n int) ([]models.LogLine, error) {
	if n <= 0 {
		return []models.LogLine{}, nil
	}
	lines, err := s.selectLogs(ctx, `SELECT run_id, seq, level, message, ts FROM run_logs
		WHERE run_id = ? ORDER BY seq DESC LIMIT ?`, runID, n)
	if err != nil {
		return nil, err
	}
	slices.Reverse(lines)
	return lines, nil
}

func (s *Store) selectLogs(ctx context.Context, query string, args ...any) ([]models.LogLine, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	lines := []models.LogLine{}
	for rows.Next() {
		var l models.LogLine
		var level string
		if err := rows.Scan(&l.RunID, &l.Seq, &level, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.Level = models.LogLevel(level)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
