package store

import (
	"path/filepath"
	"testing"
	"time"
)

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// createTestStore opens a fresh database in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "habitsync.db")
	s, err := Open(path, WithNow(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
