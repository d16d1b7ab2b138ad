package db

import (
	"context"
	"testing"
)

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	history := openTestDB(t)
	repo := NewRepository(history)

	for _, id := range []string{"old", "new"} {
		if _, err := repo.InsertGenerations(ctx, RecordsFromResult(id, testResult(nil))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := history.DB().Exec(`UPDATE generations SET created_at = datetime('now', '-40 days') WHERE request_id = 'old'`); err != nil {
		t.Fatal(err)
	}

	result, err := history.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if result.Deleted != 2 || !result.Vacuumed {
		t.Errorf("Cleanup() = %+v, want 2 deleted and vacuumed", result)
	}

	if old, _ := repo.ListByRequest(ctx, "old"); len(old) != 0 {
		t.Errorf("old records remain: %d", len(old))
	}
	if kept, _ := repo.ListByRequest(ctx, "new"); len(kept) != 2 {
		t.Errorf("recent records = %d, want 2", len(kept))
	}

	result, err = history.Cleanup(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if result.Deleted != 0 || result.Vacuumed {
		t.Errorf("second Cleanup() = %+v", result)
	}
}

func TestCleanup_Errors(t *testing.T) {
	history := openTestDB(t)

	if _, err := history.Cleanup(context.Background(), -1); err == nil {
		t.Error("negative retention should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := history.Cleanup(ctx, 30); err == nil {
		t.Error("cancelled context should fail")
	}

	history.Close()
	if _, err := history.Cleanup(context.Background(), 30); err == nil {
		t.Error("closed database should fail")
	}
}
