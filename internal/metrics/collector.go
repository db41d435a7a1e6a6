// Package metrics provides in-memory runtime statistics collection and
// mirrors run outcomes onto OpenTelemetry instruments.
package metrics

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/raphaelgruber/runhub/internal/metrics"

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// Snapshot represents the full server statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64                     `json:"uptime_seconds"`
	Optimization  *OperationSnapshot          `json:"optimization,omitempty"`
	Script        *OperationSnapshot          `json:"script,omitempty"`
	StoreWrite    *OperationSnapshot          `json:"store_write,omitempty"`
	HTTPRequest   *OperationSnapshot          `json:"http_request,omitempty"`
	Runs          map[string]map[string]int64 `json:"runs"`
	Rejections    map[string]int64            `json:"rejections,omitempty"`
}

// Operation names for the collector.
const (
	OpOptimizationRun = "optimization"
	OpScriptRun       = "script"
	OpStoreWrite      = "store_write"
	OpHTTPRequest     = "http_request"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe.
type Collector struct {
	mu         sync.RWMutex
	startTime  time.Time
	ops        map[string]*OperationMetrics
	runs       map[string]map[string]int64
	rejections map[string]int64

	runCounter   metric.Int64Counter
	runDuration  metric.Float64Histogram
	rejectCounter metric.Int64Counter
}

// NewCollector creates a collector. Instruments come from the global
// MeterProvider, which is a no-op until telemetry is configured.
func NewCollector() *Collector {
	c := &Collector{
		startTime:  time.Now(),
		ops:        make(map[string]*OperationMetrics),
		runs:       make(map[string]map[string]int64),
		rejections: make(map[string]int64),
	}

	meter := otel.Meter(instrumentationName)
	c.runCounter, _ = meter.Int64Counter("runhub.runs",
		metric.WithDescription("Finished runs by kind and status"),
		metric.WithUnit("{run}"))
	c.runDuration, _ = meter.Float64Histogram("runhub.run.duration",
		metric.WithDescription("Wall-clock duration of finished runs"),
		metric.WithUnit("s"))
	c.rejectCounter, _ = meter.Int64Counter("runhub.admission.rejections",
		metric.WithDescription("Runs rejected at admission by reason"),
		metric.WithUnit("{run}"))
	return c
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordTiming(op, duration)
}

func (c *Collector) recordTiming(op string, duration time.Duration) {
	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordRun records a finished run under its kind and terminal status.
func (c *Collector) RecordRun(kind, status string, duration time.Duration) {
	c.mu.Lock()
	c.recordTiming(kind, duration)
	byStatus, ok := c.runs[kind]
	if !ok {
		byStatus = make(map[string]int64)
		c.runs[kind] = byStatus
	}
	byStatus[status]++
	c.mu.Unlock()

	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status))
	ctx := context.Background()
	c.runCounter.Add(ctx, 1, attrs)
	c.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRejection counts an admission rejection.
func (c *Collector) RecordRejection(kind, reason string) {
	c.mu.Lock()
	c.rejections[reason]++
	c.mu.Unlock()

	c.rejectCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind), attribute.String("reason", reason)))
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	return &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	runs := make(map[string]map[string]int64, len(c.runs))
	for kind, byStatus := range c.runs {
		cp := make(map[string]int64, len(byStatus))
		for status, n := range byStatus {
			cp[status] = n
		}
		runs[kind] = cp
	}
	var rejections map[string]int64
	if len(c.rejections) > 0 {
		rejections = make(map[string]int64, len(c.rejections))
		for reason, n := range c.rejections {
			rejections[reason] = n
		}
	}

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Optimization:  snapshotOp(c.ops[OpOptimizationRun]),
		Script:        snapshotOp(c.ops[OpScriptRun]),
		StoreWrite:    snapshotOp(c.ops[OpStoreWrite]),
		HTTPRequest:   snapshotOp(c.ops[OpHTTPRequest]),
		Runs:          runs,
		Rejections:    rejections,
	}
}
