package notifier

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Telegram sends alerts to a single chat. Sends are paced below the
// per-chat limit of the Bot API.
type Telegram struct {
	api     *tgbotapi.BotAPI
	chatID  int64
	limiter *rate.Limiter
}

// NewTelegram 创建 Telegram 通知器, 会调用一次 getMe 校验 token
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram token 或 chat id 未配置")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("初始化 telegram 失败: %w", err)
	}
	return &Telegram{
		api:     api,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(1), 3),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("发送 telegram 消息失败: %w", err)
	}
	return nil
}
