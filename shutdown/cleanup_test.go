package shutdown

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestRemoveTempFiles(t *testing.T) {
	dir := t.TempDir()

	temps := []string{".sdforge-123.png.tmp", ".sdforge-456.png.tmp"}
	keep := []string{"20261017-101500_abcdef12_00.png", "notes.tmp"}
	for _, name := range append(append([]string{}, temps...), keep...) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := RemoveTempFiles(zaptest.NewLogger(t), dir)(context.Background()); err != nil {
		t.Errorf("cleanup returned %v", err)
	}

	for _, name := range temps {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s was not removed", name)
		}
	}
	for _, name := range keep {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s should be kept: %v", name, err)
		}
	}
}

func TestRemoveTempFiles_MissingDirectory(t *testing.T) {
	fn := RemoveTempFiles(nil, filepath.Join(t.TempDir(), "missing"))
	if err := fn(context.Background()); err != nil {
		t.Errorf("cleanup returned %v", err)
	}
}

func TestRemoveTempFiles_StopsOnDeadline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".sdforge-1.png.tmp")
	os.WriteFile(path, nil, 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	removed, failed := removeTempFiles(ctx, zaptest.NewLogger(t), dir)
	if removed != 0 || failed != 0 {
		t.Errorf("removed=%d failed=%d, want nothing touched", removed, failed)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("temp file removed after cancellation")
	}
}
