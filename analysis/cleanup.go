package analysis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hannes/policylens/store"
)

// RunCleanup deletes policies not analysed within maxAge, every interval,
// until ctx is done. A non-positive maxAge disables it.
func RunCleanup(ctx context.Context, st store.Store, interval, maxAge time.Duration, logger *zap.Logger) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	logger = logger.Named("cleanup")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.CleanupOlderThan(ctx, maxAge)
			if err != nil {
				logger.Warn("policy cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("removed stale policies", zap.Int64("count", n), zap.Duration("max_age", maxAge))
			}
		}
	}
}
