// Package testhelpers starts a disposable PostgreSQL for integration tests
package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ajitpratap0/streamgate/internal/db"
)

// EnvIntegration must be set for container backed tests to run
const EnvIntegration = "STREAMGATE_INTEGRATION"

// PostgresContainer holds the container and a DB bound to it
type PostgresContainer struct {
	Container     *postgres.PostgresContainer
	ConnectionStr string
	DB            *db.DB
}

// SetupTestDatabase starts PostgreSQL, or skips the test when integration
// tests are disabled
func SetupTestDatabase(t *testing.T) *PostgresContainer {
	t.Helper()

	if testing.Short() || os.Getenv(EnvIntegration) == "" {
		t.Skipf("Skipping integration test: set %s to run", EnvIntegration)
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("streamgate_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("Failed to parse connection string: %v", err)
	}
	config.MaxConns = 5
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}

	database := db.NewWithPool(pool)
	t.Cleanup(database.Close)

	return &PostgresContainer{
		Container:     container,
		ConnectionStr: connStr,
		DB:            database,
	}
}

// ApplyMigrations executes every up migration of dir in filename order
func (tc *PostgresContainer) ApplyMigrations(t *testing.T, dir string) {
	t.Helper()

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		t.Fatalf("Failed to list migration files: %v", err)
	}
	sort.Strings(files)

	for _, file := range files {
		sql, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("Failed to read %s: %v", file, err)
		}
		if _, err := tc.DB.Pool().Exec(context.Background(), string(sql)); err != nil {
			t.Fatalf("Failed to apply %s: %v", filepath.Base(file), err)
		}
	}
}
