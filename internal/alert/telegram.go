// Package alert delivers operator alerts to a Telegram chat.
//
// It implements logx.Sender so warn/error records (permanent call
// failures, provider misconfiguration) reach operators without any
// polling or command handling.
package alert

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token  string
	ChatID int64
}

type Telegram struct {
	bot    *tele.Bot
	chatID int64
}

// New creates a send-only Telegram alerter.
// Returns (nil, nil) when no token is configured: alerts are simply off.
func New(cfg Config) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, nil
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert chat_id is required when a token is set")
	}
	// Send-only: no poller, no handler registration.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Send(ctx context.Context, msg string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return nil
	}
	// telebot has no context plumbing on Send; bound the call ourselves.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, msg, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("telegram send timed out")
	}
}
