package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
)

const descriptorColumns = `kind, id, name, category, path, active, config_schema, total_runs, last_used_at`

// UpsertDescriptor inserts or refreshes a descriptor. Usage counters are preserved.
func (s *Store) UpsertDescriptor(ctx context.Context, d models.Descriptor) error {
	_, err := s.exec(ctx, `
		INSERT INTO descriptors (kind, id, name, category, path, active, config_schema)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			path = excluded.path,
			active = excluded.active,
			config_schema = excluded.config_schema`,
		string(d.Kind), d.ID, d.Name, d.Category, d.Path, d.Active, d.ConfigSchema,
	)
	if err != nil {
		return fmt.Errorf("upsert descriptor %s/%s: %w", d.Kind, d.ID, wrapError(err))
	}
	return nil
}

// GetDescriptor returns store.ErrNotFound when the descriptor is missing.
func (s *Store) GetDescriptor(ctx context.Context, kind models.RunKind, id string) (*models.Descriptor, error) {
	row := s.queryRow(ctx, `SELECT `+descriptorColumns+` FROM descriptors WHERE kind = ? AND id = ?`, string(kind), id)
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get descriptor %s/%s: %w", kind, id, err)
	}
	return d, nil
}

// ListDescriptors returns all descriptors of a kind ordered by id.
func (s *Store) ListDescriptors(ctx context.Context, kind models.RunKind) ([]models.Descriptor, error) {
	rows, err := s.query(ctx, `SELECT `+descriptorColumns+` FROM descriptors WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	defer rows.Close()

	out := []models.Descriptor{}
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// MarkDescriptorUsed stamps last_used_at and bumps total_runs.
func (s *Store) MarkDescriptorUsed(ctx context.Context, kind models.RunKind, id string, at time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE descriptors SET last_used_at = ?, total_runs = total_runs + 1
		WHERE kind = ? AND id = ?`,
		at.UTC(), string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("mark descriptor used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(sc rowScanner) (*models.Descriptor, error) {
	var d models.Descriptor
	var kind string
	var lastUsed sql.NullTime
	if err := sc.Scan(&kind, &d.ID, &d.Name, &d.Category, &d.Path, &d.Active, &d.ConfigSchema, &d.TotalRuns, &lastUsed); err != nil {
		return nil, err
	}
	d.Kind = models.RunKind(kind)
	if lastUsed.Valid {
		t := lastUsed.Time
		d.LastUsedAt = &t
	}
	return &d, nil
}
