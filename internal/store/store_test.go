package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"local_identity", "documents", "document_writes"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/habitsync.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	_ = s.Close()
}

func TestStore_Accessors(t *testing.T) {
	s := createTestStore(t)
	if s.LocalIdentity() == nil {
		t.Error("LocalIdentity() returned nil")
	}
	if s.Documents() == nil {
		t.Error("Documents() returned nil")
	}
}

// Pragma tests

func TestPragma_JournalMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_ForeignKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	// ON = 1
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

// Schema table tests

func TestSchema_LocalIdentityTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "local_identity")
	for _, col := range []string{"slot", "blob", "updated_at"} {
		if !contains(columns, col) {
			t.Errorf("local_identity missing column %q, have %v", col, columns)
		}
	}
}

func TestSchema_DocumentsTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "documents")
	for _, col := range []string{"collection", "id", "fields", "version", "updated_at"} {
		if !contains(columns, col) {
			t.Errorf("documents missing column %q, have %v", col, columns)
		}
	}
}

func TestSchema_DocumentWritesTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "document_writes")
	for _, col := range []string{"seq", "collection", "id", "payload", "batch_size", "committed_at"} {
		if !contains(columns, col) {
			t.Errorf("document_writes missing column %q, have %v", col, columns)
		}
	}
}

// Constraint tests

func TestConstraint_LocalIdentitySingleSlot(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO local_identity (slot, blob, updated_at) VALUES ('other', x'00', 0)`)
	if err == nil {
		t.Error("expected CHECK constraint to reject a second slot")
	}
}

func TestConstraint_DocumentWritesRequireDocument(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO document_writes (collection, id, payload, batch_size, committed_at)
		VALUES ('users', 'ghost', '{}', 1, 0)
	`)
	if err == nil {
		t.Error("expected foreign key violation for a write without a document")
	}
}

func TestConstraint_DeletingDocumentCascadesWrites(t *testing.T) {
	s := createTestStore(t)

	if _, err := s.db.Exec(`INSERT INTO documents (collection, id, fields, updated_at) VALUES ('users', 'u1', '{}', 0)`); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO document_writes (collection, id, payload, batch_size, committed_at)
		VALUES ('users', 'u1', '{}', 1, 0)
	`); err != nil {
		t.Fatalf("insert write: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM documents WHERE collection = 'users' AND id = 'u1'`); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM document_writes`).Scan(&n); err != nil {
		t.Fatalf("count writes: %v", err)
	}
	if n != 0 {
		t.Errorf("document_writes has %d rows after cascade, want 0", n)
	}
}

// Schema version tests

func TestSchema_Version(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestSchema_WriteIndexExists(t *testing.T) {
	s := createTestStore(t)

	indexes := getTableIndexes(t, s.db, "document_writes")
	if !contains(indexes, "idx_document_writes_doc") {
		t.Errorf("document_writes missing idx_document_writes_doc, indexes: %v", indexes)
	}
}

func TestSchema_IdempotentReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}

		var version int
		if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
			t.Fatalf("failed to get user_version: %v", err)
		}
		if version != currentSchemaVersion {
			t.Errorf("iteration %d: user_version = %d, want %d", i, version, currentSchemaVersion)
		}
		s.Close()
	}
}

func TestSchema_RejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "habitsync.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion+1)); err != nil {
		t.Fatalf("failed to set user_version: %v", err)
	}
	db.Close()

	s, err := Open(path)
	if err == nil {
		s.Close()
		t.Fatal("Open() succeeded on a database from a newer build")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Errorf("Open() error = %v, want schema version error", err)
	}
}

// Helper functions

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
