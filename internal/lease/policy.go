package lease

import "go.uber.org/zap"

// bestEffort is the error policy for fire-and-forget updates: throttled renewals,
// heartbeats and group position pushes. A dropped update is superseded by the next tick,
// so failures are logged and discarded instead of reaching the caller.
func bestEffort(logger *zap.Logger, operation string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("policy", "best_effort"),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	logger.Debug("lease update dropped", attrs...)
}
