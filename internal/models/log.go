package models

import "time"

// LogLevel is the severity attached to a stored log line.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelStdout  LogLevel = "stdout"
	LevelStderr  LogLevel = "stderr"
)

// Valid reports whether l is a known level.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelStdout, LevelStderr:
		return true
	}
	return false
}

// LogLine is one structured log entry owned by a Run.
// Seq is assigned by the log sink and starts at 1.
type LogLine struct {
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
