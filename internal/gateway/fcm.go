package gateway

import (
	"context"
	"errors"
	"strconv"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

type FCMConfig struct {
	CredentialsFile string
	ProjectID       string
}

// FCM publishes to a Firebase Cloud Messaging topic.
type FCM struct {
	client *messaging.Client
}

func NewFCM(ctx context.Context, cfg FCMConfig) (*FCM, error) {
	if strings.TrimSpace(cfg.CredentialsFile) == "" {
		return nil, errors.New("fcm: credentials_file is required")
	}
	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbCfg, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, err
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, err
	}
	return &FCM{client: client}, nil
}

func (g *FCM) Name() string { return "fcm" }

func (g *FCM) Send(ctx context.Context, m Message) error {
	_, err := g.client.Send(ctx, fcmMessage(m))
	return err
}

func fcmMessage(m Message) *messaging.Message {
	high := m.Priority >= 4
	data := map[string]string{"priority": strconv.Itoa(m.Priority)}
	if len(m.Tags) > 0 {
		data["tags"] = strings.Join(m.Tags, ",")
	}
	if m.ClickURL != "" {
		data["click_url"] = m.ClickURL
	}
	if m.Markdown {
		data["markdown"] = "1"
	}
	androidPriority, apnsPriority := "normal", "5"
	if high {
		androidPriority, apnsPriority = "high", "10"
	}
	return &messaging.Message{
		Topic:        m.Topic,
		Notification: &messaging.Notification{Title: m.Title, Body: m.Body},
		Data:         data,
		Android:      &messaging.AndroidConfig{Priority: androidPriority},
		APNS:         &messaging.APNSConfig{Headers: map[string]string{"apns-priority": apnsPriority}},
	}
}
