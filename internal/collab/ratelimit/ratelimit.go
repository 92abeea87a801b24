// Package ratelimit provides per-principal request limits.
//
// Memory is best-effort and scoped to one process: each server instance
// counts independently. Redis shares one sliding window across instances.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "pushrelay/pkg/logx"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter admits requests. limit is requests per Window; limit <= 0 means unlimited.
type Limiter interface {
	Allow(ctx context.Context, principalID string, limit int) (Decision, error)
}

// Window is the accounting period for limits.
const Window = time.Minute

// Error is returned to producers when a limit is exceeded.
type Error struct {
	RetryAfter time.Duration
	Limit      int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit of %d/min exceeded; retry after %s", e.Limit, e.RetryAfter.Round(time.Second))
}

type Config struct {
	Driver       string // memory | redis | none
	DefaultLimit int    // per key per minute when the key sets none
	RedisURL     string
	KeyPrefix    string
}

// New builds the configured limiter.
func New(ctx context.Context, cfg Config, log logx.Logger) (Limiter, error) {
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, log)
	case "none", "off":
		return Unlimited{}, nil
	default:
		return nil, fmt.Errorf("unknown ratelimit driver %q", d)
	}
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, int) (Decision, error) {
	return Decision{Allowed: true, Remaining: -1}, nil
}

// Check converts a denied decision into *Error.
func Check(d Decision, limit int, now time.Time) error {
	if d.Allowed {
		return nil
	}
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return &Error{RetryAfter: wait, Limit: limit}
}
