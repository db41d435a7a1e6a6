package models

import "encoding/json"

// TriggerJobRequest is the body of POST /api/jobs/trigger.
type TriggerJobRequest struct {
	ModelID      string          `json:"model_id"`
	DataSourceID *string         `json:"data_source_id,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	TriggeredBy  string          `json:"triggered_by,omitempty"`
}

// ExecuteScriptRequest is the body of POST /api/scripts/{id}/execute.
type ExecuteScriptRequest struct {
	Args        []string        `json:"args,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
}

// TriggerResponse acknowledges a started run.
type TriggerResponse struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	LogFilePath string    `json:"log_file_path"`
}

// RunPage is one page of runs.
type RunPage struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// LogPage is one page of a run's log lines.
type LogPage struct {
	RunID  string    `json:"run_id"`
	Logs   []LogLine `json:"logs"`
	Total  int       `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	ExistingRunID string `json:"existing_run_id,omitempty"`
	RunID         string `json:"run_id,omitempty"`
}

// Websocket subscription actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// SubscribeCommand is sent by websocket clients. JobID and ModelType are
// shorthands for the job:<id> and model:<category> rooms.
type SubscribeCommand struct {
	Action    string `json:"action"`
	Room      string `json:"room,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	ModelType string `json:"model_type,omitempty"`
}
