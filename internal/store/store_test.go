package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/ir"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crmsync.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenCreatesFile(t *testing.T) {
	_, path := openTemp(t)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmsync.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "open #%d", i+1)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	for _, table := range []string{"connections", "external_ids", "sync_log", "sync_runs", "sync_cursors"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, "table %s after reopening", table)
	}
}

func TestOpenMemoryDatabase(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM connections").Scan(&n))
	assert.Zero(t, n)
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/crmsync.db")
	assert.Error(t, err)
}

func TestCloseTwice(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "crmsync.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_ = s.Close()

	assert.NoError(t, (&Store{}).Close(), "closing a store without a database")
}

func TestDBIsUsable(t *testing.T) {
	s, _ := openTemp(t)
	require.NotNil(t, s.DB())
	assert.NoError(t, s.DB().Ping())
}

func TestPragmas(t *testing.T) {
	s, _ := openTemp(t)
	pragmas := []struct{ name, want string }{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, p := range pragmas {
		assert.NoError(t, s.verifyPragma(p.name, p.want))
	}
}

// Schema tests

func TestSchema_Tables(t *testing.T) {
	s := createTestStore(t)

	tables := map[string][]string{
		"connections": {
			"id", "provider", "direction", "enabled", "credentials", "config_version",
			"last_run_at", "last_success_at", "last_sync_error", "consecutive_failures",
		},
		"entity_mappings":       {"id", "connection_id", "local_type", "remote_entity", "filter", "key_field", "sort_order"},
		"field_mappings":        {"entity_mapping_id", "local_field", "remote_field", "transform", "transform_config"},
		"relationship_mappings": {"entity_mapping_id", "local_field", "related_type", "auto_create", "sync_null_values"},
		"external_ids": {
			"connection_id", "local_type", "local_id", "remote_entity", "remote_id",
			"last_synced_at", "last_direction", "last_sync_hash", "last_payload",
		},
		"sync_log": {
			"run_id", "connection_id", "remote_entity", "direction", "action", "status",
			"error_kind", "error", "changed_fields", "duration_us", "created_at",
		},
		"sync_runs":    {"run_id", "status", "full_scan", "engine_version", "started_at", "finished_at"},
		"sync_cursors": {"connection_id", "remote_entity", "value", "fingerprint"},
	}

	for table, expected := range tables {
		columns := getTableColumns(t, s.db, table)
		for _, col := range expected {
			if !contains(columns, col) {
				t.Errorf("%s table missing column %q", table, col)
			}
		}
	}
}

func TestSchema_ExternalIDIndexes(t *testing.T) {
	s := createTestStore(t)

	indexes := getTableIndexes(t, s.db, "external_ids")
	for _, idx := range []string{"idx_external_ids_local", "idx_external_ids_remote"} {
		if !contains(indexes, idx) {
			t.Errorf("external_ids table missing index %q", idx)
		}
	}
}

// Constraint tests

func TestConstraint_SyncLogAppendOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	id, err := s.AppendLog(ctx, createTestEntry("r1", "acme", ir.ActionCreate, ir.StatusSuccess))
	if err != nil {
		t.Fatalf("AppendLog() failed: %v", err)
	}

	_, err = s.db.Exec(`UPDATE sync_log SET status = 'failed' WHERE id = ?`, id)
	if err == nil {
		t.Fatal("expected UPDATE on sync_log to be rejected")
	}
	if !strings.Contains(err.Error(), "append-only") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConstraint_DuplicateRemoteEntityPerConnection(t *testing.T) {
	s := createTestStore(t)
	cfg := createTestConfig("acme")
	cfg.Mappings[1].RemoteEntity = "Account"

	if err := s.SaveConnectionConfig(context.Background(), cfg); err == nil {
		t.Fatal("expected unique violation for two mappings of one remote entity")
	}

	// The failed apply leaves nothing behind.
	if _, err := s.GetConnection(context.Background(), "acme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConnection() error = %v, want ErrNotFound", err)
	}
}

func TestConstraint_DeleteCascades(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	saveTestConfig(t, s, "acme")

	if err := s.InsertExternalID(ctx, createTestExternalID("acme", "c1", "A-1")); err != nil {
		t.Fatalf("InsertExternalID() failed: %v", err)
	}
	if _, err := s.AppendLog(ctx, createTestEntry("r1", "acme", ir.ActionCreate, ir.StatusSuccess)); err != nil {
		t.Fatalf("AppendLog() failed: %v", err)
	}
	if err := s.SaveCursor(ctx, ir.Cursor{ConnectionID: "acme", RemoteEntity: "Account", Value: "v"}); err != nil {
		t.Fatalf("SaveCursor() failed: %v", err)
	}

	if err := s.DeleteConnection(ctx, "acme"); err != nil {
		t.Fatalf("DeleteConnection() failed: %v", err)
	}

	for _, table := range []string{"entity_mappings", "field_mappings", "external_ids", "sync_log", "sync_cursors"} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after delete, want 0", table, n)
		}
	}
}

// Migration tests

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	version, err := goose.GetDBVersion(s.db)
	if err != nil {
		t.Fatalf("GetDBVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

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
