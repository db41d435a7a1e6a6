// Package telemetry wires the OpenTelemetry SDK: traces, metrics and a log
// bridge, all exported as JSON lines to a writer.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InstrumentationName scopes every tracer, meter and logger in this module.
const InstrumentationName = "github.com/raphaelgruber/runhub"

// Options configures Setup.
type Options struct {
	// File receives exported telemetry. Stdout when empty.
	File string
	// MetricInterval is the periodic reader interval. Defaults to 30s.
	MetricInterval time.Duration
}

// Telemetry holds the installed providers.
type Telemetry struct {
	shutdownFuncs  []func(context.Context) error
	loggerProvider *sdklog.LoggerProvider
}

// Setup installs global tracer, meter and logger providers. Call Shutdown to
// flush and release them.
func Setup(ctx context.Context, opts Options) (*Telemetry, error) {
	t := &Telemetry{}

	var w io.Writer = os.Stdout
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open telemetry file: %w", err)
		}
		t.shutdownFuncs = append(t.shutdownFuncs, func(context.Context) error { return f.Close() })
		w = f
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = 30 * time.Second
	}

	fail := func(err error) (*Telemetry, error) {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return fail(fmt.Errorf("create trace exporter: %w", err))
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	t.prepend(tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return fail(fmt.Errorf("create metric exporter: %w", err))
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(opts.MetricInterval)),
	))
	t.prepend(meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return fail(fmt.Errorf("create log exporter: %w", err))
	}
	t.loggerProvider = sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)))
	t.prepend(t.loggerProvider.Shutdown)
	global.SetLoggerProvider(t.loggerProvider)

	return t, nil
}

// prepend registers fn so providers shut down before the file they write to.
func (t *Telemetry) prepend(fn func(context.Context) error) {
	t.shutdownFuncs = append([]func(context.Context) error{fn}, t.shutdownFuncs...)
}

// LogHandler returns an slog handler that forwards records to the OTel log pipeline.
func (t *Telemetry) LogHandler() slog.Handler {
	return otelslog.NewHandler(InstrumentationName, otelslog.WithLoggerProvider(t.loggerProvider))
}

// Shutdown flushes and stops all providers. It is safe to call more than once.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	for _, fn := range t.shutdownFuncs {
		err = errors.Join(err, fn(ctx))
	}
	t.shutdownFuncs = nil
	return err
}
