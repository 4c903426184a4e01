// Package testutil provides a throwaway Postgres schema for integration tests.
// Tests using it are skipped unless TEST_DATABASE_URL points at a server.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dairyfarm/backend/internal/database"
)

const envDatabaseURL = "TEST_DATABASE_URL"

// SchemaPath is db/schema.sql at the module root.
func SchemaPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "db", "schema.sql")
}

// NewPool creates a fresh schema, applies db/schema.sql to it and returns a
// pool whose connections all use that schema. The schema is dropped when the
// test ends.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := strings.TrimSpace(os.Getenv(envDatabaseURL))
	if url == "" {
		t.Skipf("%s not set; skipping Postgres test", envDatabaseURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	admin, err := pgx.Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect to test database: %v", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		_ = admin.Close(ctx)
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		if _, err := admin.Exec(dropCtx, fmt.Sprintf("DROP SCHEMA %s CASCADE", schema)); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = admin.Close(dropCtx)
	})

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse %s: %v", envDatabaseURL, err)
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("open test pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.EnsureSchema(ctx, pool, SchemaPath()); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return pool
}

// SeedUsers inserts one active user per role with fixed ids 1 to 4 (owner,
// manager, worker, veterinarian).
func SeedUsers(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	for i, role := range []string{"owner", "manager", "worker", "veterinarian"} {
		_, err := pool.Exec(ctx, `
			INSERT INTO users(id, name, email, password_hash, role)
			VALUES ($1, $2, $3, 'x', $2)
		`, i+1, role, role+"@example.com")
		if err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
	}
	if _, err := pool.Exec(ctx, `SELECT setval(pg_get_serial_sequence('users', 'id'), 4)`); err != nil {
		t.Fatalf("advance users sequence: %v", err)
	}
}

// SeedAnimal inserts an active animal and returns its id.
func SeedAnimal(t *testing.T, pool *pgxpool.Pool, tagID, category string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO animals(tag_id, name, category) VALUES ($1, $1, $2) RETURNING id
	`, tagID, category).Scan(&id)
	if err != nil {
		t.Fatalf("seed animal %s: %v", tagID, err)
	}
	return id
}
