package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// TestPostgresDSN returns the Postgres DSN for integration tests, or "" when
// IRMA_TEST_DB_URL is not set.
func TestPostgresDSN() string {
	return os.Getenv("IRMA_TEST_DB_URL")
}

// MigrationsDir locates migrations/ by walking up from the working directory to
// the module root.
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("module root not found")
		}
		dir = parent
	}
}

// SetupTestDB opens the integration database and skips the test when
// IRMA_TEST_DB_URL is unset or unreachable. The returned cleanup truncates every
// table the service writes and closes the connection.
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := TestPostgresDSN()
	if dsn == "" {
		t.Skip("skipping Postgres integration test (set IRMA_TEST_DB_URL to run)")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}

	cleanup := func() {
		tables := []string{
			"event_log.redemptions",
			"event_log.entries",
			"event_log.snapshots",
			"event_log.events",
			"projections.asset_state",
			"projections.redemptions",
			"projections.watermark",
			"projections.metadata",
		}
		for _, table := range tables {
			db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		}
		db.Close()
	}

	return db, cleanup
}
