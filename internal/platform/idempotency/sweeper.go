package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunCleanup deletes expired reservations every interval until ctx is cancelled.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batch int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.CleanupExpired(ctx, now, batch)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency cleanup", zap.Int("removed", removed))
			}
		}
	}
}
