package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL drops per-key buckets not touched for this long.
const idleTTL = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	limit    int
	lastSeen time.Time
}

// Memory is a token bucket per principal (x/time/rate), refilling limit
// tokens per Window with a burst of limit.
type Memory struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	now       func() time.Time
	lastPrune time.Time
}

func NewMemory() *Memory {
	return &Memory{buckets: map[string]*bucket{}, now: time.Now}
}

func (m *Memory) Allow(_ context.Context, principalID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buckets[principalID]
	if b == nil || b.limit != limit {
		b = &bucket{lim: rate.NewLimiter(rate.Every(Window/time.Duration(limit)), limit), limit: limit}
		m.buckets[principalID] = b
	}
	b.lastSeen = now
	m.pruneLocked(now)

	every := Window / time.Duration(limit)
	if b.lim.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now)), ResetAt: now.Add(every)}, nil
	}
	// Time until one token is back.
	missing := 1 - b.lim.TokensAt(now)
	wait := time.Duration(missing * float64(every))
	return Decision{Allowed: false, Remaining: 0, ResetAt: now.Add(wait)}, nil
}

func (m *Memory) pruneLocked(now time.Time) {
	if now.Sub(m.lastPrune) < time.Minute {
		return
	}
	m.lastPrune = now
	for k, b := range m.buckets {
		if now.Sub(b.lastSeen) > idleTTL {
			delete(m.buckets, k)
		}
	}
}
