package sqlstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/raphaelgruber/runhub/internal/store"
	"github.com/raphaelgruber/runhub/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func openSQLite(t *testing.T) store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, SQLite, filepath.Join(t.TempDir(), "runhub.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, openSQLite)
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "twice.db")

	first, err := Open(ctx, SQLite, path, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := Open(ctx, SQLite, path, testLogger())
	require.NoError(t, err, "schema migration must tolerate existing tables")
	require.NoError(t, second.Close(ctx))
}

func TestOpenUnsupportedDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("mysql"), "", testLogger())
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		in      string
		want    string
	}{
		{"sqlite untouched", SQLite, "SELECT * FROM runs WHERE a = ? AND b = ?", "SELECT * FROM runs WHERE a = ? AND b = ?"},
		{"postgres numbered", Postgres, "SELECT * FROM runs WHERE a = ? AND b = ?", "SELECT * FROM runs WHERE a = $1 AND b = $2"},
		{"postgres none", Postgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{dialect: tt.dialect}
			assert.Equal(t, tt.want, s.rebind(tt.in))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Contains(t, sqliteDSN("a.db"), "a.db?_pragma=busy_timeout(5000)")
	assert.Contains(t, sqliteDSN("file:a.db?mode=rwc"), "mode=rwc&_pragma=")
	assert.Equal(t, "a.db?_pragma=foreign_keys(1)", sqliteDSN("a.db?_pragma=foreign_keys(1)"))
}
