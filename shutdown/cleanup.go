package shutdown

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"sdforge/storage"
)

// RemoveTempFiles returns a cleanup that deletes half-written images
// (storage.TempPattern) from dir. Failures are logged, never returned, so a
// stuck file cannot change the exit code.
func RemoveTempFiles(logger *zap.Logger, dir string) Func {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context) error {
		removed, failed := removeTempFiles(ctx, logger, dir)
		if removed > 0 || failed > 0 {
			logger.Info("Removed leftover temp files",
				zap.String("directory", dir),
				zap.Int("removed", removed),
				zap.Int("failed", failed),
			)
		}
		return nil
	}
}

func removeTempFiles(ctx context.Context, logger *zap.Logger, dir string) (removed, failed int) {
	matches, err := filepath.Glob(filepath.Join(dir, storage.TempPattern))
	if err != nil {
		logger.Warn("Failed to list temp files", zap.String("directory", dir), zap.Error(err))
		return 0, 0
	}

	for _, match := range matches {
		if ctx.Err() != nil {
			logger.Warn("Cleanup deadline reached, leaving temp files",
				zap.Int("remaining", len(matches)-removed-failed),
			)
			return removed, failed
		}

		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			failed++
			logger.Warn("Failed to remove temp file",
				zap.String("file", filepath.Base(match)),
				zap.Error(err),
			)
			continue
		}
		removed++
	}
	return removed, failed
}
