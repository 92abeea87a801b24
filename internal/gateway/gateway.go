// Package gateway holds the push providers a notification can be relayed to.
//
// A Gateway performs a single send. Timeouts are owned by the caller
// (internal/dispatch); implementations may ignore ctx cancellation.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "pushrelay/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown gateway driver")

// Message is the provider-neutral push payload.
type Message struct {
	Topic    string
	Title    string
	Body     string
	Priority int
	Tags     []string
	ClickURL string
	Markdown bool
}

type Gateway interface {
	Send(ctx context.Context, m Message) error
	Name() string
}

// Func adapts a function to Gateway. Mostly for tests.
type Func func(ctx context.Context, m Message) error

func (f Func) Send(ctx context.Context, m Message) error { return f(ctx, m) }
func (f Func) Name() string                              { return "func" }

type Config struct {
	Driver   string // ntfy | telegram | fcm | log
	Ntfy     NtfyConfig
	Telegram TelegramConfig
	FCM      FCMConfig
}

// New builds the configured gateway.
func New(ctx context.Context, cfg Config, log logx.Logger) (Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "gateway"))
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "log":
		return NewLog(log), nil
	case "ntfy":
		return NewNtfy(cfg.Ntfy)
	case "telegram":
		return NewTelegram(cfg.Telegram)
	case "fcm", "firebase":
		return NewFCM(ctx, cfg.FCM)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, d)
	}
}

// Log only records the message. It never fails.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (g *Log) Name() string { return "log" }

func (g *Log) Send(_ context.Context, m Message) error {
	g.log.Info("push",
		logx.String("topic", m.Topic),
		logx.String("title", m.Title),
		logx.Int("priority", m.Priority),
		logx.Any("tags", m.Tags),
	)
	return nil
}

// priorityPrefix marks urgent messages on text-only providers.
func priorityPrefix(p int) string {
	switch {
	case p >= 5:
		return "🚨 "
	case p >= 4:
		return "⚠️ "
	default:
		return ""
	}
}
