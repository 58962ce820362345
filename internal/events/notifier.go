package events

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier is the default delivery sink until a real SMS/email provider is
// plugged in. Events are considered delivered once logged.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	return &LogNotifier{log: log.Named("events.notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, eventType string, payload map[string]any) error {
	_ = ctx
	n.log.Info("event delivered",
		zap.String("type", eventType),
		zap.Any("payload", payload),
	)
	return nil
}
