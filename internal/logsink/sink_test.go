package logsink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLogs struct {
	mu    sync.Mutex
	lines []models.LogLine
	fail  func(models.LogLine) bool
}

func (m *memLogs) AppendLog(_ context.Context, line models.LogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil && m.fail(line) {
		return errors.New("disk full")
	}
	m.lines = append(m.lines, line)
	return nil
}

func (m *memLogs) ListLogs(context.Context, store.LogFilter) ([]models.LogLine, int, error) {
	return nil, 0, nil
}

func (m *memLogs) RecentLogs(context.Context, string, int) ([]models.LogLine, error) {
	return nil, nil
}

func (m *memLogs) seqs(runID string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, l := range m.lines {
		if l.RunID == runID {
			out = append(out, l.Seq)
		}
	}
	slices.Sort(out)
	return out
}

func TestAppendAssignsSequence(t *testing.T) {
	logs := &memLogs{}
	sink := New(logs, nil)
	ctx := context.Background()

	first, ok := sink.Append(ctx, "run-a", models.LevelInfo, "one")
	require.True(t, ok)
	second, ok := sink.Append(ctx, "run-a", models.LevelError, "two")
	require.True(t, ok)
	other, ok := sink.Append(ctx, "run-b", models.LevelInfo, "first of b")
	require.True(t, ok)

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, int64(1), other.Seq, "counters are per run")
	assert.Equal(t, models.LevelError, second.Level)
	assert.False(t, first.Timestamp.IsZero())
}

func TestAppendConcurrentIsContiguous(t *testing.T) {
	logs := &memLogs{}
	sink := New(logs, nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Append(context.Background(), "run-c", models.LevelStdout, fmt.Sprintf("line %d", i))
		}()
	}
	wg.Wait()

	want := make([]int64, 50)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, logs.seqs("run-c"))
}

func TestFailedPersistDoesNotConsumeSequence(t *testing.T) {
	logs := &memLogs{fail: func(l models.LogLine) bool { return l.Message == "boom" }}
	sink := New(logs, nil)
	ctx := context.Background()

	_, ok := sink.Append(ctx, "run-d", models.LevelInfo, "ok")
	require.True(t, ok)

	line, ok := sink.Append(ctx, "run-d", models.LevelInfo, "boom")
	assert.False(t, ok)
	assert.Equal(t, "boom", line.Message, "line is still returned for live delivery")

	next, ok := sink.Append(ctx, "run-d", models.LevelInfo, "after")
	require.True(t, ok)
	assert.Equal(t, int64(2), next.Seq)
	assert.Equal(t, []int64{1, 2}, logs.seqs("run-d"))
}

func TestRelease(t *testing.T) {
	sink := New(&memLogs{}, nil)
	sink.Append(context.Background(), "run-e", models.LevelInfo, "x")
	sink.Release("run-e")

	sink.mu.Lock()
	_, ok := sink.runs["run-e"]
	sink.mu.Unlock()
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		runes int
	}{
		{"short", "hello", 5},
		{"exact", strings.Repeat("a", MaxMessageLength), MaxMessageLength},
		{"long ascii", strings.Repeat("a", MaxMessageLength+10), MaxMessageLength},
		{"long multibyte", strings.Repeat("ä", MaxMessageLength+1), MaxMessageLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in)
			assert.Equal(t, tt.runes, utf8.RuneCountInString(got))
			assert.True(t, utf8.ValidString(got))
			assert.True(t, strings.HasPrefix(tt.in, got))
		})
	}
}

func TestAppendTruncates(t *testing.T) {
	logs := &memLogs{}
	sink := New(logs, nil)
	line, ok := sink.Append(context.Background(), "run-f", models.LevelInfo, strings.Repeat("x", 6000))
	require.True(t, ok)
	assert.Len(t, line.Message, MaxMessageLength)
	assert.Len(t, logs.lines[0].Message, MaxMessageLength)
}
