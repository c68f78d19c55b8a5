package notify

import (
	"context"

	"go.uber.org/zap"
)

type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("post_id", event.PostID),
		zap.String("title", event.Title),
		zap.String("status", string(event.Status)),
		zap.Time("at", event.At),
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if event.Type == EventError {
		n.logger.Warn("Post lifecycle event", fields...)
		return nil
	}
	n.logger.Info("Post lifecycle event", fields...)
	return nil
}
