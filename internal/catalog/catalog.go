// Package catalog loads model and script descriptors from a YAML file and
// upserts them into the store.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
)

// DefaultScriptCategory is used for scripts that declare no category.
const DefaultScriptCategory = "test"

// Entry is one declared target.
type Entry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Path     string `yaml:"path"`
	// Active defaults to true.
	Active *bool `yaml:"active"`
	// ConfigSchema is a JSON Schema, either as a JSON string or inline YAML.
	ConfigSchema any `yaml:"config_schema"`
}

// Catalog is the file layout.
type Catalog struct {
	Models  []Entry `yaml:"models"`
	Scripts []Entry `yaml:"scripts"`
}

// Parse decodes a catalog document and converts it to descriptors.
func Parse(data []byte) ([]models.Descriptor, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	var out []models.Descriptor
	var errs []error
	seen := map[string]bool{}
	add := func(kind models.RunKind, entries []Entry) {
		for i, e := range entries {
			d, err := e.descriptor(kind)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", kind, i, err))
				continue
			}
			key := string(kind) + "/" + d.ID
			if seen[key] {
				errs = append(errs, fmt.Errorf("%s[%d]: duplicate id %q", kind, i, d.ID))
				continue
			}
			seen[key] = true
			out = append(out, d)
		}
	}
	add(models.KindOptimization, c.Models)
	add(models.KindScript, c.Scripts)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func (e Entry) descriptor(kind models.RunKind) (models.Descriptor, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return models.Descriptor{}, errors.New("id is required")
	}
	if strings.TrimSpace(e.Path) == "" {
		return models.Descriptor{}, fmt.Errorf("%s: path is required", id)
	}

	d := models.Descriptor{
		Kind:     kind,
		ID:       id,
		Name:     e.Name,
		Category: e.Category,
		Path:     e.Path,
		Active:   e.Active == nil || *e.Active,
	}
	if d.Name == "" {
		d.Name = id
	}
	if d.Category == "" {
		if kind != models.KindScript {
			return models.Descriptor{}, fmt.Errorf("%s: category is required", id)
		}
		d.Category = DefaultScriptCategory
	}

	switch schema := e.ConfigSchema.(type) {
	case nil:
	case string:
		if strings.TrimSpace(schema) != "" && !json.Valid([]byte(schema)) {
			return models.Descriptor{}, fmt.Errorf("%s: config_schema is not valid JSON", id)
		}
		d.ConfigSchema = schema
	default:
		b, err := json.Marshal(schema)
		if err != nil {
			return models.Descriptor{}, fmt.Errorf("%s: config_schema: %w", id, err)
		}
		d.ConfigSchema = string(b)
	}
	return d, nil
}

// Load reads and parses a catalog file.
func Load(path string) ([]models.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Sync upserts descriptors. Usage counters already in the store are kept.
func Sync(ctx context.Context, s store.DescriptorStore, descriptors []models.Descriptor, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range descriptors {
		if err := s.UpsertDescriptor(ctx, d); err != nil {
			return fmt.Errorf("sync %s %s: %w", d.Kind, d.ID, err)
		}
	}
	logger.Info("catalog synced", "descriptors", len(descriptors))
	return nil
}

// LoadAndSync loads path into s. A missing file is not an error.
func LoadAndSync(ctx context.Context, s store.DescriptorStore, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil
	}
	descriptors, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no catalog file, skipping sync", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	return Sync(ctx, s, descriptors, logger)
}
