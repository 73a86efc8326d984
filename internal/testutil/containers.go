// Package testutil starts throwaway Postgres and Redis containers for
// integration tests.
//
// Container tests are opt-in: set CONSTELLATION_CONTAINER_TESTS=1 and have a
// Docker daemon available.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// EnvContainerTests enables container-backed tests.
const EnvContainerTests = "CONSTELLATION_CONTAINER_TESTS"

// SkipWithoutContainers skips t unless container tests are enabled.
func SkipWithoutContainers(t testing.TB) {
	t.Helper()
	if os.Getenv(EnvContainerTests) != "1" {
		t.Skipf("container tests disabled (set %s=1)", EnvContainerTests)
	}
}

// StartPostgres starts a PostgreSQL container and returns its DSN plus a
// cleanup func.
func StartPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("constellation_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.Background())
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { _ = container.Terminate(context.Background()) }
	return dsn, cleanup, nil
}

// StartRedis starts a Redis container and returns its URL plus a cleanup
// func.
func StartRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = container.Terminate(context.Background())
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { _ = container.Terminate(context.Background()) }
	return "redis://" + endpoint, cleanup, nil
}

// Postgres is StartPostgres wrapped for a single test.
func Postgres(t *testing.T) string {
	t.Helper()
	SkipWithoutContainers(t)
	dsn, cleanup, err := StartPostgres(context.Background())
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(cleanup)
	return dsn
}

// Redis is StartRedis wrapped for a single test.
func Redis(t *testing.T) string {
	t.Helper()
	SkipWithoutContainers(t)
	url, cleanup, err := StartRedis(context.Background())
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(cleanup)
	return url
}
