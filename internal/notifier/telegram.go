package notifier

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig points notifications at one chat (optionally a topic
// thread inside it).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// telegramSender is a send-only telebot wrapper; it never polls.
type telegramSender struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegram(cfg TelegramConfig) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

func (t *telegramSender) SendText(ctx context.Context, text string) error {
	_ = ctx // telebot manages its own HTTP timeouts
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}
