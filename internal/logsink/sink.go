// Package logsink persists structured run log lines with per-run sequence numbers.
package logsink

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
)

// MaxMessageLength is the stored message limit in runes.
const MaxMessageLength = 5000

// Truncate cuts s to MaxMessageLength runes.
func Truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxMessageLength {
		return s
	}
	n := 0
	for i := range s {
		if n == MaxMessageLength {
			return s[:i]
		}
		n++
	}
	return s
}

type counter struct {
	mu   sync.Mutex
	last int64
}

// Sink appends log lines to a store.LogStore. Persistence is best-effort:
// failures are logged and never surface to the caller.
type Sink struct {
	store  store.LogStore
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*counter
}

// New creates a Sink.
func New(s store.LogStore, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:  s,
		logger: logger,
		now:    time.Now,
		runs:   make(map[string]*counter),
	}
}

func (s *Sink) counter(runID string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.runs[runID]
	if !ok {
		c = &counter{}
		s.runs[runID] = c
	}
	return c
}

// Append stores one line and returns it with its assigned sequence number.
// The bool is false when the store rejected the write; the line is then
// still returned for live delivery but its sequence number is not consumed.
func (s *Sink) Append(ctx context.Context, runID string, level models.LogLevel, msg string) (models.LogLine, bool) {
	c := s.counter(runID)
	c.mu.Lock()
	defer c.mu.Unlock()

	line := models.LogLine{
		RunID:     runID,
		Seq:       c.last + 1,
		Level:     level,
		Message:   Truncate(msg),
		Timestamp: s.now().UTC(),
	}

	if err := s.store.AppendLog(ctx, line); err != nil {
		s.logger.Warn("failed to persist log line", "run_id", runID, "seq", line.Seq, "error", err)
		return line, false
	}
	c.last = line.Seq
	return line, true
}

// Release forgets the run's counter. Call once the run is finished.
func (s *Sink) Release(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}
