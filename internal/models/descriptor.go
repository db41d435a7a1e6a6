package models

import "time"

// Descriptor identifies an executable target: an optimization model or a script.
type Descriptor struct {
	Kind         RunKind    `json:"kind"`
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	Path         string     `json:"path"`
	Active       bool       `json:"active"`
	ConfigSchema string     `json:"config_schema,omitempty"`
	TotalRuns    int        `json:"total_runs"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}
