// Package notify delivers redemption notifications.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier records redemption events in the service log. It stands in for
// an outbound channel such as email; the purchase flow treats delivery as
// best-effort either way.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a notifier writing to logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyRedemption logs one redemption event.
func (notifier *LogNotifier) NotifyRedemption(_ context.Context, userID string, itemName string, redemptionCode string, pointsCostDisplay float64) error {
	notifier.logger.Info("redemption notification",
		zap.String("user_id", userID),
		zap.String("item_name", itemName),
		zap.String("redemption_code", redemptionCode),
		zap.Float64("points_cost", pointsCostDisplay),
	)
	return nil
}
