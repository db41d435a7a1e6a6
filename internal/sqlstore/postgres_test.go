//go:build integration

package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/raphaelgruber/runhub/internal/store"
	"github.com/raphaelgruber/runhub/internal/store/storetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresConformance runs the store suite against a throwaway Postgres.
func TestPostgresConformance(t *testing.T) {
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "runhub",
				"POSTGRES_PASSWORD": "runhub",
				"POSTGRES_DB":       "runhub",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://runhub:runhub@%s:%s/runhub?sslmode=disable", host, port.Port())

	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		// Each subtest gets its own schema so fixtures never collide.
		n++
		schema := fmt.Sprintf("suite_%d", n)
		admin, err := Open(ctx, Postgres, dsn, testLogger())
		require.NoError(t, err)
		_, err = admin.DB().ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema)
		require.NoError(t, err)
		require.NoError(t, admin.Close(ctx))

		s, err := Open(ctx, Postgres, dsn+"&search_path="+schema, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(ctx) })
		return s
	})
}
