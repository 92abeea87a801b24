package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the delivery state of a Notification.
//
// Pending -> {Delivered, Failed, Skipped}. Skipped is terminal. Failed stays
// retryable until the retry scheduler gives up on it (GaveUpAt is set); the
// status itself does not change on give-up.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// ParseStatus accepts the lowercase wire names (case-insensitive).
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

// Content is the immutable part of a Notification, fixed at creation.
type Content struct {
	ChannelID string
	Title     string
	Body      string
	Category  string
	Tags      []string
	Priority  int
	Metadata  map[string]any
	ClickURL  string
	Markdown  bool
}

// Notification is one accepted send request.
//
// Only the delivery fields (Status, DeliveredAt, DeliveryError, RetryCount,
// GaveUpAt) and ReadAt change after creation.
type Notification struct {
	ID          string         `json:"id"`
	APIKeyID    string         `json:"apiKeyId"`
	ChannelID   string         `json:"channelId"`
	ChannelName string         `json:"channel,omitempty"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Category    string         `json:"category,omitempty"`
	Tags        []string       `json:"tags"`
	Priority    int            `json:"priority"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ClickURL    string         `json:"clickUrl,omitempty"`
	Markdown    bool           `json:"markdown,omitempty"`

	Status        Status     `json:"status"`
	DeliveredAt   *time.Time `json:"deliveredAt"`
	DeliveryError *string    `json:"deliveryError"`
	RetryCount    int        `json:"retryCount"`
	GaveUpAt      *time.Time `json:"gaveUpAt,omitempty"`

	ReadAt *time.Time `json:"readAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewNotification builds a pending notification from content.
// Timestamps are truncated to the store's millisecond resolution.
func NewNotification(id, apiKeyID string, c Content, now time.Time) Notification {
	now = Truncate(now)
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return Notification{
		ID:         id,
		APIKeyID:   apiKeyID,
		ChannelID:  c.ChannelID,
		Title:      c.Title,
		Body:       c.Body,
		Category:   c.Category,
		Tags:       tags,
		Priority:   c.Priority,
		Metadata:   c.Metadata,
		ClickURL:   c.ClickURL,
		Markdown:   c.Markdown,
		Status:     StatusPending,
		RetryCount: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Error returns the last delivery error or "".
func (n Notification) Error() string {
	if n.DeliveryError == nil {
		return ""
	}
	return *n.DeliveryError
}

// MarkDelivered applies a successful push outcome.
func (n *Notification) MarkDelivered(at time.Time) {
	at = Truncate(at)
	n.Status = StatusDelivered
	n.DeliveredAt = &at
	n.DeliveryError = nil
	n.UpdatedAt = at
}

// MarkFailed applies a failed push outcome.
func (n *Notification) MarkFailed(reason string, at time.Time) {
	at = Truncate(at)
	n.Status = StatusFailed
	n.DeliveredAt = nil
	n.DeliveryError = &reason
	n.UpdatedAt = at
}

// MarkSkipped applies the caller's push opt-out.
func (n *Notification) MarkSkipped(at time.Time) {
	at = Truncate(at)
	n.Status = StatusSkipped
	n.DeliveredAt = nil
	n.DeliveryError = nil
	n.UpdatedAt = at
}

// Channel is a routing target. Topic overrides the process-wide default push topic.
type Channel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// IdempotencyRecord guards exactly-once creation for (APIKeyID, Key).
type IdempotencyRecord struct {
	ID             string
	APIKeyID       string
	Key            string
	NotificationID string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
