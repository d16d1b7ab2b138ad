package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func newConn(t *testing.T, path string) *sql.DB {
	t.Helper()
	conn, err := NewSQLiteConnection(context.Background(), DefaultConnectionConfig(path))
	if err != nil {
		t.Fatalf("NewSQLiteConnection() error = %v", err)
	}
	return conn
}

func tableExists(t *testing.T, path, table string) bool {
	t.Helper()
	conn := newConn(t, path)
	defer conn.Close()

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n == 1
}

func TestMigrations_UpDownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")

	version, dirty, err := MigrationVersion(newConn(t, path))
	if err != nil {
		t.Fatalf("MigrationVersion() on fresh db error = %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("fresh version = %d dirty=%v, want 0 clean", version, dirty)
	}

	if err := MigrateUp(newConn(t, path)); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if !tableExists(t, path, "generations") {
		t.Error("generations table missing after MigrateUp")
	}

	version, dirty, err = MigrationVersion(newConn(t, path))
	if err != nil {
		t.Fatal(err)
	}
	if version != SchemaVersion || dirty {
		t.Errorf("version = %d dirty=%v, want %d clean", version, dirty, SchemaVersion)
	}

	// Applying again is not an error.
	if err := MigrateUp(newConn(t, path)); err != nil {
		t.Errorf("second MigrateUp() error = %v", err)
	}

	if err := MigrateDown(newConn(t, path), -1); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, path, "generations") {
		t.Error("generations table still present after MigrateDown")
	}
}

func TestMigrations_NilConnection(t *testing.T) {
	if err := MigrateUp(nil); err == nil {
		t.Error("MigrateUp(nil) should fail")
	}
	if err := MigrateDown(nil, 1); err == nil {
		t.Error("MigrateDown(nil) should fail")
	}
	if _, _, err := MigrationVersion(nil); err == nil {
		t.Error("MigrationVersion(nil) should fail")
	}
}
