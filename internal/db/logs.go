package db

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type logRecord struct {
	ID        surrealmodels.RecordID `json:"id"`
	RunID     string                 `json:"run_id"`
	Seq       int64                  `json:"seq"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"ts"`
}

func (r logRecord) toModel() models.LogLine {
	return models.LogLine{
		RunID:     r.RunID,
		Seq:       r.Seq,
		Level:     models.LogLevel(r.Level),
		Message:   r.Message,
		Timestamp: r.Timestamp.UTC(),
	}
}

// logKey keys a line by run and sequence so a duplicate CREATE conflicts.
func logKey(runID string, seq int64) string {
	return fmt.Sprintf("%s/%d", runID, seq)
}

// AppendLog inserts one log line. A duplicate (run, seq) yields store.ErrConflict.
func (c *Client) AppendLog(ctx context.Context, line models.LogLine) error {
	_, err := rows[logRecord](ctx, c, `CREATE type::record("run_log", $key) CONTENT $content`, map[string]any{
		"key": logKey(line.RunID, line.Seq),
		"content": map[string]any{
			"run_id":  line.RunID,
			"seq":     line.Seq,
			"level":   string(line.Level),
			"message": line.Message,
			"ts":      line.Timestamp.UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("append log %s#%d: %w", line.RunID, line.Seq, err)
	}
	return nil
}

// ListLogs pages through a run's logs in sequence order.
func (c *Client) ListLogs(ctx context.Context, f store.LogFilter) ([]models.LogLine, int, error) {
	where := ` WHERE run_id = $run_id`
	vars := map[string]any{"run_id": f.RunID}
	if f.Level != "" {
		where += ` AND level = $level`
		vars["level"] = string(f.Level)
	}
	limit, offset := store.NormalizePage(f.Limit, f.Offset)

	total, err := c.count(ctx, `SELECT count() AS total FROM run_log`+where+` GROUP ALL`, vars)
	if err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	res, err := rows[logRecord](ctx, c, fmt.Sprintf(`SELECT * FROM run_log%s
		ORDER BY seq ASC LIMIT %d START %d`, where, limit, offset), vars)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	return toLines(res), total, nil
}

// RecentLogs returns the tail of a run's log in ascending order.
func (c *Client) RecentLogs(ctx context.Context, runID string, n int) ([]models.LogLine, error) {
	if n <= 0 {
		return []models.LogLine{}, nil
	}
	res, err := rows[logRecord](ctx, c, fmt.Sprintf(`SELECT * FROM run_log
		WHERE run_id = $run_id ORDER BY seq DESC LIMIT %d`, n), map[string]any{"run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	lines := toLines(res)
	slices.Reverse(lines)
	return lines, nil
}

func toLines(res []logRecord) []models.LogLine {
	lines := make([]models.LogLine, len(res))
	for i, r := range res {
		lines[i] = r.toModel()
	}
	return lines
}
