package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult contains statistics about a cleanup operation.
type CleanupResult struct {
	// Deleted is the number of generation records removed.
	Deleted int64
	// Vacuumed reports whether VACUUM ran after the delete.
	Vacuumed bool
	Duration time.Duration
}

// Cleanup deletes generation records older than retentionDays and runs VACUUM
// when anything was removed. A retention of 0 keeps nothing older than now.
//
// Only history rows are removed; the image files they point to are left alone.
func (d *Database) Cleanup(ctx context.Context, retentionDays int) (CleanupResult, error) {
	start := time.Now()
	result := CleanupResult{}

	if retentionDays < 0 {
		return result, fmt.Errorf("retentionDays must be non-negative, got %d", retentionDays)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return result, errClosed
	}

	res, err := d.db.ExecContext(ctx,
		`DELETE FROM generations WHERE created_at < datetime('now', ?)`,
		fmt.Sprintf("-%d days", retentionDays),
	)
	if err != nil {
		return result, fmt.Errorf("failed to delete old generations: %w", err)
	}
	result.Deleted, err = res.RowsAffected()
	if err != nil {
		return result, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if result.Deleted == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	// VACUUM cannot run inside a transaction.
	if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
		result.Duration = time.Since(start)
		return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
	}
	result.Vacuumed = true
	result.Duration = time.Since(start)
	return result, nil
}
