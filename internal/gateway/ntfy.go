package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type NtfyConfig struct {
	Server string // e.g. https://ntfy.sh
	Token  string // optional access token
}

// Ntfy publishes to an ntfy server over plain HTTP.
type Ntfy struct {
	base  *url.URL
	token string
	http  *http.Client
}

func NewNtfy(cfg NtfyConfig) (*Ntfy, error) {
	server := strings.TrimSpace(cfg.Server)
	if server == "" {
		server = "https://ntfy.sh"
	}
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ntfy: invalid server url %q", server)
	}
	return &Ntfy{
		base:  u,
		token: strings.TrimSpace(cfg.Token),
		// Transport-level ceiling only; the dispatcher enforces the real bound.
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (g *Ntfy) Name() string { return "ntfy" }

func (g *Ntfy) Send(ctx context.Context, m Message) error {
	topic := strings.Trim(strings.TrimSpace(m.Topic), "/")
	if topic == "" {
		return fmt.Errorf("ntfy: empty topic")
	}
	u := g.base.JoinPath(topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(m.Body))
	if err != nil {
		return err
	}
	req.Header.Set("X-Title", m.Title)
	if m.Priority > 0 {
		req.Header.Set("X-Priority", strconv.Itoa(m.Priority))
	}
	if len(m.Tags) > 0 {
		req.Header.Set("X-Tags", strings.Join(m.Tags, ","))
	}
	if m.ClickURL != "" {
		req.Header.Set("X-Click", m.ClickURL)
	}
	if m.Markdown {
		req.Header.Set("X-Markdown", "yes")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
