// Package testing provides shared test helpers for the gateway.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/buntythecoder/trademaster-broker-gateway/internal/database"
	_ "modernc.org/sqlite"
)

// NewTestDB creates a file-backed SQLite database for testing with the
// schema applied. Returns the database and an idempotent cleanup function.
//
// Supported schema names:
//   - "connections" - connections, oauth_states and orders tables
//   - "cache" - TTL cache tables and catalog overrides
//   - "history" - portfolio snapshots
//   - anything else - empty database, no schema applied
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	closed := false
	cleanup := func() {
		if closed {
			return
		}
		closed = true
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database %s: %v", name, err)
		}
		if err := os.Remove(tmpPath); err != nil {
			t.Logf("Warning: failed to remove temporary database file %s: %v", tmpPath, err)
		}
	}
	return db, cleanup
}
