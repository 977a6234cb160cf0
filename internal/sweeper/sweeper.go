package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweepable is the slice of the credit service the sweeper drives.
type Sweepable interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Run executes one sweep immediately and then on every tick until ctx is
// cancelled. Each sweep is a single bulk update; failures are logged and the
// next tick retries.
func Run(ctx context.Context, service Sweepable, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep(ctx, service, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping expiry sweeper")
			return
		case <-ticker.C:
			sweep(ctx, service, logger)
		}
	}
}

func sweep(ctx context.Context, service Sweepable, logger *zap.Logger) {
	affected, err := service.SweepExpired(ctx)
	if err != nil {
		logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if affected > 0 {
		logger.Info("expired balances zeroed", zap.Int64("accounts", affected))
	}
}
