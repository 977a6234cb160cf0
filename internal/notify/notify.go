package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier emits low-balance alert requests as structured log lines. The
// outbound email channel is owned by a separate delivery service that tails
// these events; at-least-once delivery is acceptable because the alert dedup
// store already guarantees one request per (user, threshold).
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wires a notifier over a zap logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyLowBalance records the alert request.
func (notifier *LogNotifier) NotifyLowBalance(ctx context.Context, userID string, threshold int64, balance int64) error {
	notifier.logger.Info("low balance alert",
		zap.String("user_id", userID),
		zap.Int64("threshold", threshold),
		zap.Int64("balance", balance),
	)
	return nil
}
