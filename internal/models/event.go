package models

import "time"

// EventType is the lifecycle stage an Event reports.
type EventType string

const (
	EventStarted   EventType = "started"
	EventLog       EventType = "log"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is a live notification about a Run, pushed through the hub.
// Log events carry the stored line's Seq, or zero if it was not persisted.
type Event struct {
	Type       EventType `json:"type"`
	Scope      RunKind   `json:"scope"`
	RunID      string    `json:"run_id"`
	Kind       string    `json:"kind"`
	TargetName string    `json:"target_name,omitempty"`
	Level      LogLevel  `json:"level,omitempty"`
	Seq        int64     `json:"seq,omitempty"`
	Message    string    `json:"message,omitempty"`
	Status     RunStatus `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	Progress   *int      `json:"progress,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Name is the wire event name, e.g. "optimization:log".
func (e Event) Name() string {
	return string(e.Scope) + ":" + string(e.Type)
}

// Terminal reports whether the event ends a Run's stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}
