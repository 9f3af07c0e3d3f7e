package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger deletes expired session rows and reports how many were removed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StartSessionSweeper purges expired rows every interval until ctx is done.
// The returned channel is closed once the loop has exited.
func StartSessionSweeper(ctx context.Context, purger Purger, interval time.Duration, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	if purger == nil || interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("session sweeper stopped")
				return
			case <-ticker.C:
				sweep(ctx, purger, interval, logger)
			}
		}
	}()
	return done
}

func sweep(ctx context.Context, purger Purger, interval time.Duration, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	removed, err := purger.PurgeExpired(ctx)
	if err != nil {
		logger.Warn("session sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		logger.Info("expired sessions purged", zap.Int64("rows", removed))
	}
}
