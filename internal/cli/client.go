package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pushrelay/internal/model"
)

// Client is a thin HTTP client for the relay API.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(strings.TrimSpace(base), "/"),
		token: strings.TrimSpace(token),
		// No overall timeout: streams stay open for minutes.
		http: &http.Client{},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	for k, v := range e.Fields {
		msg += fmt.Sprintf("; %s: %s", k, v)
	}
	return msg
}

// Fatal reports whether retrying the same request cannot succeed.
func (e *APIError) Fatal() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Status == http.StatusBadRequest
}

func decodeAPIError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string            `json:"code"`
			Message string            `json:"message"`
			Fields  map[string]string `json:"fields"`
		} `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(b, &env); err != nil || env.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(b))}
	}
	return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message, Fields: env.Error.Fields}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// SendInput mirrors the create-notification body.
type SendInput struct {
	Channel  string         `json:"channel"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Category string         `json:"category,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ClickURL string         `json:"clickUrl,omitempty"`
	Markdown bool           `json:"markdown,omitempty"`
	SkipPush bool           `json:"skipPush,omitempty"`
}

// SendResult is the created (or replayed) notification.
type SendResult struct {
	model.Notification
	Replay bool `json:"replay"`
}

func (c *Client) Send(ctx context.Context, in SendInput, idempotencyKey string) (SendResult, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return SendResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/notifications", bytes.NewReader(b))
	if err != nil {
		return SendResult{}, err
	}
	if k := strings.TrimSpace(idempotencyKey); k != "" {
		req.Header.Set("Idempotency-Key", k)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return SendResult{}, decodeAPIError(resp)
	}
	var out SendResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SendResult{}, err
	}
	return out, nil
}

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
}

// ReadEvents parses an event stream and calls fn for every dispatched event.
// It returns nil at EOF.
func ReadEvents(r io.Reader, fn func(SSEEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var ev SSEEvent
	var data []string
	pending := false
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if pending {
				ev.Data = strings.Join(data, "\n")
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev, data, pending = SSEEvent{}, data[:0], false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		default:
			continue
		}
		pending = true
	}
	return sc.Err()
}

// TailOptions filter a stream subscription.
type TailOptions struct {
	Channel     string
	MinPriority int
	// LastID resumes after this event id.
	LastID string
}

// Tail opens one stream connection and delivers events until the server
// closes it. It returns the last notification id seen.
func (c *Client) Tail(ctx context.Context, opts TailOptions, fn func(SSEEvent) error) (string, error) {
	q := url.Values{}
	if opts.Channel != "" {
		q.Set("channel", opts.Channel)
	}
	if opts.MinPriority > 0 {
		q.Set("min_priority", strconv.Itoa(opts.MinPriority))
	}
	path := "/v1/stream"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return opts.LastID, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if opts.LastID != "" {
		req.Header.Set("Last-Event-ID", opts.LastID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return opts.LastID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return opts.LastID, decodeAPIError(resp)
	}

	last := opts.LastID
	err = ReadEvents(resp.Body, func(ev SSEEvent) error {
		if ev.ID != "" {
			last = ev.ID
		}
		return fn(ev)
	})
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, err
}

// Follow calls Tail in a loop, resuming from the last id after every close
// or network error, until ctx is done or the server rejects the request.
func (c *Client) Follow(ctx context.Context, opts TailOptions, fn func(SSEEvent) error, onRetry func(error, time.Duration)) error {
	wait := time.Second
	for {
		start := time.Now()
		last, err := c.Tail(ctx, opts, fn)
		opts.LastID = last
		if ctx.Err() != nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Fatal() {
			return err
		}
		if time.Since(start) > 30*time.Second {
			wait = time.Second
		}
		if err != nil && onRetry != nil {
			onRetry(err, wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if err != nil {
			wait = min(wait*2, 30*time.Second)
		}
	}
}
