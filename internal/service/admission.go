package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
)

// AdmissionReason classifies an admission rejection.
type AdmissionReason string

const (
	ReasonNotFound      AdmissionReason = "not_found"
	ReasonInactive      AdmissionReason = "inactive"
	ReasonInvalidConfig AdmissionReason = "invalid_config"
	ReasonQuotaExceeded AdmissionReason = "quota_exceeded"
)

// AdmissionError rejects a trigger before any Run record exists.
type AdmissionError struct {
	Reason  AdmissionReason
	Message string
	// ExistingRunID is the run that consumed the quota.
	ExistingRunID string
}

func (e *AdmissionError) Error() string {
	return e.Message
}

func reject(reason AdmissionReason, format string, args ...any) *AdmissionError {
	return &AdmissionError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// admit checks the target and the request. It returns an *AdmissionError on
// rejection and a plain error when the store could not be consulted.
func (o *Orchestrator) admit(ctx context.Context, req *TriggerRequest) (*models.Descriptor, error) {
	desc, err := o.store.GetDescriptor(ctx, o.profile.Scope, req.TargetID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(ReasonNotFound, "%s %s not found", strings.ToLower(o.profile.Label), req.TargetID)
	}
	if err != nil {
		return nil, fmt.Errorf("load descriptor: %w", err)
	}
	if !desc.Active {
		return desc, reject(ReasonInactive, "%s %s is not active", strings.ToLower(o.profile.Label), desc.ID)
	}

	config, err := normalizeConfig(desc.ConfigSchema, req.Config)
	if err != nil {
		return desc, reject(ReasonInvalidConfig, "invalid config for %s: %v", desc.ID, err)
	}
	req.Config = config

	if o.profile.quotaApplies(desc.Category) {
		if err := o.checkQuota(ctx, desc); err != nil {
			return desc, err
		}
	}
	return desc, nil
}

// checkQuota allows one successful run per category and target per calendar
// day in the configured timezone.
func (o *Orchestrator) checkQuota(ctx context.Context, desc *models.Descriptor) error {
	now := o.now()
	since := startOfDay(now, o.quotaLoc)

	statuses := []models.RunStatus{models.StatusSuccess}
	if o.quotaIncludeActive {
		statuses = append(statuses, models.ActiveStatuses...)
	}
	runs, total, err := o.store.ListRuns(ctx, store.RunFilter{
		Kind:         o.profile.Scope,
		Category:     desc.Category,
		TargetID:     desc.ID,
		Statuses:     statuses,
		StartedSince: &since,
		Limit:        1,
	})
	if err != nil {
		return fmt.Errorf("check quota: %w", err)
	}
	if total == 0 {
		return nil
	}

	e := reject(ReasonQuotaExceeded, "%s %s already ran today (%s)", desc.Category, desc.ID, since.Format(time.DateOnly))
	if len(runs) > 0 {
		e.ExistingRunID = runs[0].ID
		e.Message += ": " + runs[0].ID
	}
	return e
}

// startOfDay returns midnight of now's calendar day in loc.
func startOfDay(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// normalizeConfig checks that config is a JSON object satisfying schema, if
// one is set. An empty config becomes {}.
func normalizeConfig(schema string, config json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(config)) == 0 {
		config = json.RawMessage("{}")
	}

	var v any
	dec := json.NewDecoder(bytes.NewReader(config))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("config is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("config has trailing data")
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, errors.New("config must be a JSON object")
	}

	if strings.TrimSpace(schema) == "" {
		return config, nil
	}
	compiled, err := jsonschema.CompileString("config.schema.json", schema)
	if err != nil {
		return nil, fmt.Errorf("descriptor schema does not compile: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return nil, err
	}
	return config, nil
}
