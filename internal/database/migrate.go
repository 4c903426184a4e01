package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema applies every statement of the schema file. Statements must be
// idempotent (CREATE ... IF NOT EXISTS) since this runs on each boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schemaPath string) error {
	if strings.TrimSpace(schemaPath) == "" {
		schemaPath = "db/schema.sql"
	}

	data, err := os.ReadFile(filepath.Clean(schemaPath))
	if err != nil {
		return fmt.Errorf("read schema file failed (%s): %w", schemaPath, err)
	}

	for i, query := range SplitStatements(string(data)) {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i+1, err)
		}
	}

	return nil
}

// SplitStatements breaks a schema script on semicolons, dropping blank
// statements and full-line "--" comments.
func SplitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	parts := strings.Split(b.String(), ";")
	out := make([]string, 0, len(parts))
	for _, stmt := range parts {
		query := strings.TrimSpace(stmt)
		if query == "" {
			continue
		}
		out = append(out, query)
	}
	return out
}
