package jobs

import (
	"context"
	"strings"
	"time"

	"pushrelay/internal/retry"
	logx "pushrelay/pkg/logx"
)

const (
	JobRetry   = "retry"
	JobCleanup = "idempotency-cleanup"

	DefaultRetrySchedule   = "@every 15m"
	DefaultCleanupSchedule = "@hourly"
)

type Retrier interface {
	RunOnce(ctx context.Context) (retry.Stats, error)
}

type Cleaner interface {
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Schedules names when maintenance runs. Empty means default; "off" disables.
type Schedules struct {
	Retry          string
	RetryTimeout   time.Duration
	Cleanup        string
	CleanupTimeout time.Duration
}

// RegisterRelay installs the retry sweep and idempotency cleanup jobs.
func RegisterRelay(s *Service, sc Schedules, r Retrier, c Cleaner, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	if spec := orDefault(sc.Retry, DefaultRetrySchedule); !disabled(spec) && r != nil {
		err := s.Add(JobRetry, spec, orDuration(sc.RetryTimeout, 10*time.Minute), func(ctx context.Context) error {
			// The scheduler logs its own summary.
			_, err := r.RunOnce(ctx)
			return err
		})
		if err != nil {
			return err
		}
	} else {
		s.Remove(JobRetry)
	}

	if spec := orDefault(sc.Cleanup, DefaultCleanupSchedule); !disabled(spec) && c != nil {
		err := s.Add(JobCleanup, spec, orDuration(sc.CleanupTimeout, time.Minute), func(ctx context.Context) error {
			n, err := c.DeleteExpiredIdempotency(ctx, time.Now())
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("expired idempotency records deleted", logx.Int64("count", n))
			}
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		s.Remove(JobCleanup)
	}
	return nil
}

func disabled(spec string) bool { return strings.EqualFold(strings.TrimSpace(spec), "off") }

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
