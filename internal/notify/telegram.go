package notify

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v4"

	"schedsync/internal/schedule"
	"schedsync/pkg/logx"
)

// TelegramConfig routes groups to chats statically. Subscription records
// are out of scope here; the chat list is operator-maintained config.
type TelegramConfig struct {
	Token string
	// Chats maps a group title to the chat IDs to notify. The "*" key
	// receives every group's changes.
	Chats map[string][]int64
}

type Telegram struct {
	bot *tele.Bot
	cfg TelegramConfig
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: nil, // send-only; we never receive updates
	})
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot init: %w", err)
	}
	return &Telegram{bot: bot, cfg: cfg, log: log}, nil
}

func (n *Telegram) ScheduleChanged(ctx context.Context, group schedule.Group, dates []time.Time) error {
	targets := append([]int64(nil), n.cfg.Chats[group.Title]...)
	targets = append(targets, n.cfg.Chats["*"]...)
	if len(targets) == 0 {
		n.log.Debug("no chats configured for group", logx.String("group", group.Title))
		return nil
	}

	msg := formatMessage(group, dates)
	var firstErr error
	for _, chatID := range targets {
		_, err := n.bot.Send(tele.ChatID(chatID), msg, tele.ModeHTML)
		if err != nil {
			n.log.Warn("notification send failed",
				logx.String("group", group.Title),
				logx.Int64("chat_id", chatID),
				logx.Err(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.log.Debug("notification sent",
			logx.String("group", group.Title),
			logx.Int64("chat_id", chatID),
			logx.Int("dates", len(dates)),
		)
	}
	return firstErr
}
