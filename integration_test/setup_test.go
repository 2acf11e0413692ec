//go:build integration

package integration_test

import (
	"context"
	"os"
	"testing"

	"github.com/findertool/deployctl/db"
)

// getPostgresAdapter returns an adapter bound to the database named by
// DATABASE_URL and skips the test if the variable is not set.
func getPostgresAdapter(t *testing.T) *db.Adapter {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	adapter, err := db.Open(db.Config{URL: url})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Close() })

	return adapter
}

// dropTables removes the tables a test created. Errors are logged but
// don't fail the test (cleanup is best-effort).
func dropTables(t *testing.T, adapter *db.Adapter, tables ...string) {
	t.Helper()

	ctx := context.Background()
	for _, table := range tables {
		if _, err := adapter.Execute(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			t.Logf("warning: failed to drop table %s: %v", table, err)
		}
	}
}
