// Package retry re-attempts failed pushes with exponential backoff and gives
// up on rows that exhausted their attempts or aged out.
//
// RunOnce is safe to run concurrently with itself, in this process or
// another: a candidate is claimed with a conditional update before the push,
// and a claimed row is not due again until its backoff elapses.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"sync"
	"time"

	"pushrelay/internal/dispatch"
	"pushrelay/internal/model"
	logx "pushrelay/pkg/logx"
)

const (
	// MaxAttempts bounds retry.max_attempts.
	MaxAttempts        = 20
	DefaultMaxAttempts = 5
	DefaultMaxAge      = 24 * time.Hour
	DefaultBase        = time.Minute
	DefaultBatchSize   = 20
)

// scanFactor widens the candidate scan so rows still in backoff do not starve
// due rows behind them.
const scanFactor = 4

type Config struct {
	MaxAttempts int
	MaxAge      time.Duration
	Base        time.Duration
	BatchSize   int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Base <= 0 {
		c.Base = DefaultBase
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

type Stats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	GaveUp    int `json:"gaveUp"`
	// Skipped counts candidates not yet due or claimed by a concurrent run.
	Skipped int `json:"skipped"`
}

type Store interface {
	GiveUp(ctx context.Context, maxAttempts int, cutoff, now time.Time) (int64, error)
	RetryCandidates(ctx context.Context, maxAttempts int, cutoff time.Time, limit int) ([]model.Notification, error)
	ClaimRetry(ctx context.Context, n model.Notification, now time.Time) (bool, error)
}

type Pusher interface {
	Push(ctx context.Context, n model.Notification) dispatch.Attempt
	Record(ctx context.Context, n *model.Notification, a dispatch.Attempt, retry bool) error
}

type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	store  Store
	pusher Pusher
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, store Store, pusher Pusher, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{cfg: cfg.withDefaults(), store: store, pusher: pusher, log: log, now: time.Now}
}

func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Backoff is base * 2^retryCount.
func Backoff(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if base <= 0 {
		return 0
	}
	// Saturate rather than shift bits out of the int64.
	if retryCount > 63-bits.Len64(uint64(base)) {
		return math.MaxInt64
	}
	return base << uint(retryCount)
}

// Due reports whether n's backoff window has elapsed at now.
func Due(n model.Notification, base time.Duration, now time.Time) bool {
	return now.Sub(n.UpdatedAt) >= Backoff(base, n.RetryCount)
}

// RunOnce performs one give-up pass and one bounded retry batch.
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	cfg := s.config()
	now := model.Truncate(s.now())
	cutoff := now.Add(-cfg.MaxAge)
	var st Stats

	gaveUp, err := s.store.GiveUp(ctx, cfg.MaxAttempts, cutoff, now)
	if err != nil {
		return st, fmt.Errorf("give up pass: %w", err)
	}
	st.GaveUp = int(gaveUp)

	cands, err := s.store.RetryCandidates(ctx, cfg.MaxAttempts, cutoff, cfg.BatchSize*scanFactor)
	if err != nil {
		return st, fmt.Errorf("select candidates: %w", err)
	}

	for _, n := range cands {
		if st.Attempted >= cfg.BatchSize || ctx.Err() != nil {
			break
		}
		if !Due(n, cfg.Base, now) {
			st.Skipped++
			continue
		}
		ok, err := s.store.ClaimRetry(ctx, n, now)
		if err != nil {
			return st, fmt.Errorf("claim %s: %w", n.ID, err)
		}
		if !ok {
			st.Skipped++
			continue
		}
		n.UpdatedAt = now

		st.Attempted++
		a := s.pusher.Push(ctx, n)
		if err := s.pusher.Record(ctx, &n, a, true); err != nil {
			return st, err
		}
		if a.OK {
			st.Succeeded++
		} else {
			st.Failed++
		}
	}

	if st.Attempted > 0 || st.GaveUp > 0 {
		s.log.Info("retry run",
			logx.Int("attempted", st.Attempted),
			logx.Int("succeeded", st.Succeeded),
			logx.Int("failed", st.Failed),
			logx.Int("gave_up", st.GaveUp),
			logx.Int("skipped", st.Skipped),
		)
	}
	return st, nil
}
