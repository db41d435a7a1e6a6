package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otel.jsonl")
	ctx := context.Background()

	tel, err := Setup(ctx, Options{File: path})
	require.NoError(t, err)

	_, span := otel.Tracer(InstrumentationName).Start(ctx, "test-span")
	span.End()
	slog.New(tel.LogHandler()).Info("bridged record", "run_id", "DMO_1")

	require.NoError(t, tel.Shutdown(ctx))
	require.NoError(t, tel.Shutdown(ctx), "second shutdown is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "test-span")
	assert.Contains(t, string(data), "bridged record")
}

func TestSetupBadFile(t *testing.T) {
	_, err := Setup(context.Background(), Options{File: filepath.Join(t.TempDir(), "missing", "otel.jsonl")})
	require.Error(t, err)
}
