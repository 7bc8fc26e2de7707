package testutils

import (
	"path/filepath"
	"testing"
)

// CreateTestDBPath creates a temporary SQLite database file path for testing
func CreateTestDBPath(t *testing.T) string {
	t.Helper()

	// Create temporary directory
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "test.db")
}
