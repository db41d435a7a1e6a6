package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type descriptorRecord struct {
	ID           surrealmodels.RecordID `json:"id"`
	Kind         string                 `json:"kind"`
	DescriptorID string                 `json:"descriptor_id"`
	Name         string                 `json:"name"`
	Category     string                 `json:"category"`
	Path         string                 `json:"path"`
	Active       bool                   `json:"active"`
	ConfigSchema string                 `json:"config_schema"`
	TotalRuns    int                    `json:"total_runs"`
	LastUsedAt   *time.Time             `json:"last_used_at"`
}

func (r descriptorRecord) toModel() models.Descriptor {
	d := models.Descriptor{
		Kind:         models.RunKind(r.Kind),
		ID:           r.DescriptorID,
		Name:         r.Name,
		Category:     r.Category,
		Path:         r.Path,
		Active:       r.Active,
		ConfigSchema: r.ConfigSchema,
		TotalRuns:    r.TotalRuns,
	}
	if r.LastUsedAt != nil {
		t := r.LastUsedAt.UTC()
		d.LastUsedAt = &t
	}
	return d
}

func descriptorKey(kind models.RunKind, id string) string {
	return string(kind) + "/" + id
}

// UpsertDescriptor inserts or refreshes a descriptor. Usage counters are preserved.
func (c *Client) UpsertDescriptor(ctx context.Context, d models.Descriptor) error {
	_, err := rows[descriptorRecord](ctx, c, `
		UPSERT type::record("descriptor", $key) SET
			kind = $kind,
			descriptor_id = $id,
			name = $name,
			category = $category,
			path = $path,
			active = $active,
			config_schema = $config_schema,
			total_runs = total_runs ?? 0`,
		map[string]any{
			"key":           descriptorKey(d.Kind, d.ID),
			"kind":          string(d.Kind),
			"id":            d.ID,
			"name":          d.Name,
			"category":      d.Category,
			"path":          d.Path,
			"active":        d.Active,
			"config_schema": d.ConfigSchema,
		})
	if err != nil {
		return fmt.Errorf("upsert descriptor %s/%s: %w", d.Kind, d.ID, err)
	}
	return nil
}

// GetDescriptor returns store.ErrNotFound when the descriptor is missing.
func (c *Client) GetDescriptor(ctx context.Context, kind models.RunKind, id string) (*models.Descriptor, error) {
	res, err := rows[descriptorRecord](ctx, c, `SELECT * FROM type::record("descriptor", $key)`,
		map[string]any{"key": descriptorKey(kind, id)})
	if err != nil {
		return nil, fmt.Errorf("get descriptor %s/%s: %w", kind, id, err)
	}
	if len(res) == 0 {
		return nil, store.ErrNotFound
	}
	d := res[0].toModel()
	return &d, nil
}

// ListDescriptors returns all descriptors of a kind ordered by id.
func (c *Client) ListDescriptors(ctx context.Context, kind models.RunKind) ([]models.Descriptor, error) {
	res, err := rows[descriptorRecord](ctx, c, `SELECT * FROM descriptor WHERE kind = $kind ORDER BY descriptor_id`,
		map[string]any{"kind": string(kind)})
	if err != nil {
		return nil, fmt.Errorf("list descriptors: %w", err)
	}
	out := make([]models.Descriptor, len(res))
	for i, r := range res {
		out[i] = r.toModel()
	}
	return out, nil
}

// MarkDescriptorUsed stamps last_used_at and bumps total_runs.
func (c *Client) MarkDescriptorUsed(ctx context.Context, kind models.RunKind, id string, at time.Time) error {
	res, err := rows[descriptorRecord](ctx, c, `
		UPDATE type::record("descriptor", $key) SET last_used_at = $at, total_runs += 1 RETURN AFTER`,
		map[string]any{"key": descriptorKey(kind, id), "at": at.UTC()})
	if err != nil {
		return fmt.Errorf("mark descriptor used: %w", err)
	}
	if len(res) == 0 {
		return store.ErrNotFound
	}
	return nil
}
