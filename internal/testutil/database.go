// Package testutil starts throwaway PostgreSQL and Redis containers for
// integration tests. Tests using it are skipped under -short.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-ops-return-workflows/internal/database"
)

// SetupTestDatabase starts PostgreSQL and applies database.Schema.
func SetupTestDatabase(t *testing.T, ctx context.Context) (testcontainers.Container, *database.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("operations_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.New(ctx, database.Config{DSN: connStr, MaxConns: 5})
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx))
	return pgContainer, db
}

// CleanupTestDatabase closes the pool and terminates the container.
func CleanupTestDatabase(t *testing.T, ctx context.Context, container testcontainers.Container, db *database.DB) {
	if db != nil {
		db.Close()
	}
	if container != nil {
		require.NoError(t, container.Terminate(ctx))
	}
}

// TruncateTables empties every table between tests.
func TruncateTables(t *testing.T, ctx context.Context, db *database.DB) {
	_, err := db.Exec(ctx, `TRUNCATE TABLE return_workflow_audit_log, return_workflow_steps, return_workflows, approvers CASCADE`)
	require.NoError(t, err)
}

// SetupTestRedis starts a Redis container and returns a connected client.
func SetupTestRedis(t *testing.T, ctx context.Context) (testcontainers.Container, *redis.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in -short mode")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, client.Ping(ctx).Err())
	return container, client
}
