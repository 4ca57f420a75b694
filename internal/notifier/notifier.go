package notifier

import (
	"context"

	"go.uber.org/zap"
)

// Notifier 告警发送接口, 发送失败由调用方吞掉
type Notifier interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// LogNotifier writes alerts to the log. Used when no Telegram token is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, text string) error {
	n.logger.Warn("告警", zap.String("text", text))
	return nil
}
