package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
}

// Telegram delivers to a chat. The topic is "chatID" or "chatID:threadID".
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	// Offline: no getMe round trip at startup and no poller; send-only.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (g *Telegram) Name() string { return "telegram" }

// Send ignores ctx; telebot has no per-call context.
func (g *Telegram) Send(_ context.Context, m Message) error {
	chatID, threadID, err := parseChatTopic(m.Topic)
	if err != nil {
		return err
	}
	opt := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
	if m.Markdown {
		opt.ParseMode = tele.ModeMarkdown
	}
	_, err = g.bot.Send(&tele.Chat{ID: chatID}, telegramText(m), opt)
	return err
}

func telegramText(m Message) string {
	var b strings.Builder
	b.WriteString(priorityPrefix(m.Priority))
	if m.Markdown {
		b.WriteString("*" + m.Title + "*")
	} else {
		b.WriteString(m.Title)
	}
	if m.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(m.Body)
	}
	if len(m.Tags) > 0 {
		b.WriteString("\n\n#")
		b.WriteString(strings.Join(m.Tags, " #"))
	}
	if m.ClickURL != "" {
		b.WriteString("\n")
		b.WriteString(m.ClickURL)
	}
	return b.String()
}

func parseChatTopic(topic string) (chatID int64, threadID int, err error) {
	topic = strings.TrimSpace(topic)
	chat, thread, hasThread := strings.Cut(topic, ":")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: topic %q is not a chat id", topic)
	}
	if hasThread {
		threadID, err = strconv.Atoi(thread)
		if err != nil {
			return 0, 0, fmt.Errorf("telegram: bad thread id in %q", topic)
		}
	}
	return chatID, threadID, nil
}
