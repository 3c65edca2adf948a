//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunMigrationsWithRealPostgres applies the repo migrations to a real
// PostgreSQL instance.
// Run with: go test -tags=integration -timeout 120s -run TestRunMigrationsWithRealPostgres ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	logs := []string{}
	err = runMigrations(ctx, pool, "../../migrations",
		nil, // use os.ReadFile
		nil, // use filepath.Glob
		func(format string, args ...any) { logs = append(logs, format) },
	)
	if err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	var exists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='001_init.sql')").Scan(&exists)
	if err != nil || !exists {
		t.Fatalf("migration not recorded: exists=%v err=%v", exists, err)
	}

	// The gate tables must accept the shapes the store writes.
	_, err = pool.Exec(ctx, `
		INSERT INTO gates (gate_id, project_id, phase, state, deadline, payload)
		VALUES ('g-1', 'proj-1', 'G1', 'IN_PROGRESS', now() + interval '48 hours', '{"id":"g-1"}')`)
	if err != nil {
		t.Fatalf("gates table rejects store shape: %v", err)
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO gate_transitions (gate_id, from_state, to_state, cause, actor, at)
		VALUES ('g-1', 'PENDING', 'IN_PROGRESS', 'GATE_INSTANTIATED', 'pm-1', now())`)
	if err != nil {
		t.Fatalf("gate_transitions table rejects store shape: %v", err)
	}

	// Second run is a no-op.
	err = runMigrations(ctx, pool, "../../migrations", nil, nil, func(format string, args ...any) {})
	if err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}
}
