package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConnectionConfig(t *testing.T) {
	config := DefaultConnectionConfig("/test/path.db")

	if config.Path != "/test/path.db" {
		t.Errorf("Path = %q", config.Path)
	}
	if config.BusyTimeout != 5*time.Second {
		t.Errorf("BusyTimeout = %v, want 5s", config.BusyTimeout)
	}
	if config.MaxOpenConns != 1 {
		t.Errorf("MaxOpenConns = %d, want 1", config.MaxOpenConns)
	}
}

func TestNewSQLiteConnection_EmptyPath(t *testing.T) {
	conn, err := NewSQLiteConnection(context.Background(), ConnectionConfig{})
	if err == nil {
		conn.Close()
		t.Fatal("expected error for empty path")
	}
}

func TestNewSQLiteConnection_Pragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	conn, err := NewSQLiteConnection(context.Background(), DefaultConnectionConfig(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteConnection() error = %v", err)
	}
	defer conn.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			var got string
			if err := conn.QueryRow("PRAGMA " + tt.pragma).Scan(&got); err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("PRAGMA %s = %q, want %q", tt.pragma, got, tt.want)
			}
		})
	}
}

func TestNewSQLiteConnection_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn, err := NewSQLiteConnection(ctx, DefaultConnectionConfig(filepath.Join(t.TempDir(), "test.db")))
	if err == nil {
		conn.Close()
		t.Error("expected error for cancelled context")
	}
}

func TestOpen(t *testing.T) {
	t.Run("creates nested file and schema", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "dir", "history.db")

		history, err := Open(context.Background(), dbPath)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer history.Close()

		if history.Path() != dbPath {
			t.Errorf("Path() = %s", history.Path())
		}
		if err := history.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}

		var name string
		err = history.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='generations'`).Scan(&name)
		if err != nil {
			t.Errorf("generations table missing: %v", err)
		}
	})

	t.Run("reopen is a no-op migration", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "history.db")
		for i := 0; i < 2; i++ {
			history, err := Open(context.Background(), dbPath)
			if err != nil {
				t.Fatalf("Open() #%d error = %v", i, err)
			}
			history.Close()
		}
	})

	t.Run("empty path", func(t *testing.T) {
		if _, err := Open(context.Background(), ""); err == nil {
			t.Error("expected error for empty path")
		}
	})
}

func TestDatabase_CloseIdempotent(t *testing.T) {
	history, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}

	if err := history.Close(); err != nil {
		t.Errorf("first Close() error = %v", err)
	}
	if err := history.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := history.Ping(context.Background()); err == nil {
		t.Error("Ping() after Close() should fail")
	}
	if history.DB() != nil {
		t.Error("DB() after Close() should be nil")
	}
}
