package service

import (
	"slices"
	"strings"

	"github.com/raphaelgruber/runhub/internal/hub"
	"github.com/raphaelgruber/runhub/internal/metrics"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/runner"
)

// Profile parametrizes the Orchestrator for one variant of run.
type Profile struct {
	Scope    models.RunKind
	Room     string
	Classify runner.Classifier
	// Label names the variant in lifecycle log lines ("Optimization", "Script").
	Label string
	// Op is the metrics operation runs of this variant are recorded under.
	Op string
	// QuotaCategories lists descriptor categories limited to one
	// successful run per target per day. Empty disables the quota.
	QuotaCategories []string
}

// NewOptimizationProfile returns the profile for optimization jobs.
func NewOptimizationProfile(quotaCategories []string) Profile {
	return Profile{
		Scope:           models.KindOptimization,
		Room:            hub.ScopeRoom(models.KindOptimization),
		Classify:        runner.DefaultClassifier,
		Label:           "Optimization",
		Op:              metrics.OpOptimizationRun,
		QuotaCategories: quotaCategories,
	}
}

// NewScriptProfile returns the profile for ad-hoc scripts. Scripts are never
// quota-limited.
func NewScriptProfile() Profile {
	return Profile{
		Scope:    models.KindScript,
		Room:     hub.ScopeRoom(models.KindScript),
		Classify: ScriptClassifier,
		Label:    "Script",
		Op:       metrics.OpScriptRun,
	}
}

// ScriptClassifier keeps stderr as stderr and grades stdout by keyword.
func ScriptClassifier(stream runner.Stream, line string) models.LogLevel {
	if stream == runner.Stderr {
		return models.LevelStderr
	}
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"):
		return models.LevelError
	case strings.Contains(lower, "warning"):
		return models.LevelWarning
	}
	return models.LevelStdout
}

func (p Profile) quotaApplies(category string) bool {
	return slices.ContainsFunc(p.QuotaCategories, func(c string) bool {
		return strings.EqualFold(c, category)
	})
}
