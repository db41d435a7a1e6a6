// Package client provides a REST and websocket client for the runhub server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/runhub/internal/metrics"
	"github.com/raphaelgruber/runhub/internal/models"
)

// DefaultEndpoint is used when neither an endpoint nor RUNHUB_SERVER_URL is set.
const DefaultEndpoint = "http://localhost:8484"

// Client talks to a runhub server.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses RUNHUB_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via RUNHUB_CLIENT_TIMEOUT env var (default 30s).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("RUNHUB_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	timeout := 30 * time.Second
	if t := os.Getenv("RUNHUB_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint returns the server base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	models.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.StatusCode, e.Reason, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.ErrorResponse.Error)
}

// ReasonOf returns the admission reason carried by err, if any.
func ReasonOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// do sends a request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(data, &apiErr.ErrorResponse); err != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	if result == nil {
		return nil
	}
	if s, ok := result.(*string); ok {
		*s = string(data)
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// =============================================================================
// TYPES
// =============================================================================

// ActiveRun is the live in-process state of a running job.
type ActiveRun struct {
	ID         string           `json:"run_id"`
	Kind       models.RunKind   `json:"kind"`
	Category   string           `json:"category"`
	TargetID   string           `json:"target_id"`
	Status     models.RunStatus `json:"status"`
	PID        int              `json:"pid,omitempty"`
	Progress   int              `json:"progress"`
	StartedAt  time.Time        `json:"started_at"`
	Cancelling bool             `json:"cancelling,omitempty"`
}

// RunStatus is a run with its liveness and latest log lines.
type RunStatus struct {
	models.Run
	IsRunning  bool             `json:"is_running"`
	IsComplete bool             `json:"is_complete"`
	DurationMs int64            `json:"duration_ms"`
	Active     *ActiveRun       `json:"active,omitempty"`
	Logs       []models.LogLine `json:"logs"`
}

// Stats is the server's runtime view.
type Stats struct {
	Metrics    metrics.Snapshot `json:"metrics"`
	ActiveRuns []ActiveRun      `json:"active_runs"`
	Sessions   int              `json:"sessions"`
}

// RunQuery narrows ListRuns. Zero values are omitted.
type RunQuery struct {
	Kind         models.RunKind
	Category     string
	TargetID     string
	DataSourceID string
	Statuses     []models.RunStatus
	Limit        int
	Offset       int
}

func (q RunQuery) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("kind", string(q.Kind))
	set("category", q.Category)
	set("target_id", q.TargetID)
	set("data_source_id", q.DataSourceID)
	for _, s := range q.Statuses {
		v.Add("status", string(s))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// LogQuery narrows Logs.
type LogQuery struct {
	Level  models.LogLevel
	Limit  int
	Offset int
}

// =============================================================================
// RUNS
// =============================================================================

// TriggerJob starts an optimization run.
func (c *Client) TriggerJob(ctx context.Context, req models.TriggerJobRequest) (*models.TriggerResponse, error) {
	var resp models.TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/api/jobs/trigger", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExecuteScript starts a script run.
func (c *Client) ExecuteScript(ctx context.Context, scriptID string, req models.ExecuteScriptRequest) (*models.TriggerResponse, error) {
	var resp models.TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/api/scripts/"+url.PathEscape(scriptID)+"/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns a run with up to logs recent lines. logs <= 0 uses the
// server default.
func (c *Client) Status(ctx context.Context, runID string, logs int) (*RunStatus, error) {
	path := "/api/runs/" + url.PathEscape(runID)
	if logs > 0 {
		path += "?logs=" + strconv.Itoa(logs)
	}
	var st RunStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListRuns returns one page of runs, most recent first.
func (c *Client) ListRuns(ctx context.Context, q RunQuery) (*models.RunPage, error) {
	path := "/api/runs"
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}
	var page models.RunPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Logs returns one page of a run's stored log lines.
func (c *Client) Logs(ctx context.Context, runID string, q LogQuery) (*models.LogPage, error) {
	v := url.Values{}
	if q.Level != "" {
		v.Set("level", string(q.Level))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	path := "/api/runs/" + url.PathEscape(runID) + "/logs"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var page models.LogPage
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// LogFile returns the raw on-disk log of a run.
func (c *Client) LogFile(ctx context.Context, runID string) (string, error) {
	var text string
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/logfile", nil, &text); err != nil {
		return "", err
	}
	return text, nil
}

// Cancel requests cancellation of an active run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// =============================================================================
// CATALOG & STATS
// =============================================================================

// Models lists optimization model descriptors.
func (c *Client) Models(ctx context.Context) ([]models.Descriptor, error) {
	var ds []models.Descriptor
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// Scripts lists script descriptors.
func (c *Client) Scripts(ctx context.Context) ([]models.Descriptor, error) {
	var ds []models.Descriptor
	if err := c.do(ctx, http.MethodGet, "/api/scripts", nil, &ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// Stats returns server metrics, active runs and websocket session count.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health checks the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
