package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pushrelay/internal/jobs"
	"pushrelay/internal/retry"
	logx "pushrelay/pkg/logx"
)

// Durations holds every duration field, parsed. Zero means "use the default".
type Durations struct {
	HTTPReadHeaderTimeout time.Duration
	HTTPShutdownTimeout   time.Duration
	StorageBusyTimeout    time.Duration
	DispatchTimeout       time.Duration
	RetryMaxAge           time.Duration
	RetryBase             time.Duration
	IdempotencyTTL        time.Duration
	StreamPollInterval    time.Duration
	StreamHeartbeat       time.Duration
	StreamMaxDuration     time.Duration
}

func (c *Config) Durations() (Durations, error) {
	var p durations
	d := Durations{
		HTTPReadHeaderTimeout: p.get("http.read_header_timeout", c.HTTP.ReadHeaderTimeout),
		HTTPShutdownTimeout:   p.get("http.shutdown_timeout", c.HTTP.ShutdownTimeout),
		StorageBusyTimeout:    p.get("storage.busy_timeout", c.Storage.BusyTimeout),
		DispatchTimeout:       p.get("dispatch.timeout", c.Dispatch.Timeout),
		RetryMaxAge:           p.get("retry.max_age", c.Retry.MaxAge),
		RetryBase:             p.get("retry.base", c.Retry.Base),
		IdempotencyTTL:        p.get("ingest.idempotency_ttl", c.Ingest.IdempotencyTTL),
		StreamPollInterval:    p.get("stream.poll_interval", c.Stream.PollInterval),
		StreamHeartbeat:       p.get("stream.heartbeat", c.Stream.Heartbeat),
		StreamMaxDuration:     p.get("stream.max_duration", c.Stream.MaxDuration),
	}
	return d, p.err
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks enums, ranges and durations. It collects every problem.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	d, err := c.Durations()
	if err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add("storage.path: postgres DSN required")
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if !logx.ValidLevel(c.Logging.Level) {
		add("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		add("logging.format: must be console or json")
	}

	switch g := c.Gateway; strings.ToLower(strings.TrimSpace(g.Driver)) {
	case "", "log":
	case "ntfy":
		if strings.TrimSpace(g.Ntfy.Server) == "" {
			add("gateway.ntfy.server required")
		}
	case "telegram":
		if strings.TrimSpace(g.Telegram.Token) == "" {
			add("gateway.telegram.token required")
		}
	case "fcm":
		if strings.TrimSpace(g.FCM.CredentialsFile) == "" {
			add("gateway.fcm.credentials_file required")
		}
	default:
		add("gateway.driver: unknown driver %q", g.Driver)
	}

	if d.DispatchTimeout > time.Minute {
		add("dispatch.timeout: at most 1m")
	}
	if c.Retry.MaxAttempts < 0 || c.Retry.MaxAttempts > retry.MaxAttempts {
		add("retry.max_attempts: must be between 0 and %d", retry.MaxAttempts)
	}
	if c.Retry.BatchSize < 0 || c.Stream.BatchSize < 0 {
		add("batch_size: must be >= 0")
	}
	if d.StreamMaxDuration > 0 && d.StreamHeartbeat > 0 && d.StreamHeartbeat >= d.StreamMaxDuration {
		add("stream.heartbeat: must be shorter than stream.max_duration")
	}

	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Driver)) {
	case "", "memory", "none":
	case "redis":
		if strings.TrimSpace(c.RateLimit.RedisURL) == "" {
			add("ratelimit.redis_url required for redis driver")
		}
	default:
		add("ratelimit.driver: unknown driver %q", c.RateLimit.Driver)
	}
	if c.RateLimit.DefaultLimit < 0 {
		add("ratelimit.default_limit: must be >= 0")
	}

	for path, spec := range map[string]string{"jobs.retry": c.Jobs.Retry, "jobs.cleanup": c.Jobs.Cleanup} {
		if err := validateSchedule(spec); err != nil {
			add("%s: %v", path, err)
		}
	}
	if tz := strings.TrimSpace(c.Jobs.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("jobs.timezone: %v", err)
		}
	}
	return errors.Join(errs...)
}

// validateSchedule accepts what the jobs runner accepts, plus "off".
func validateSchedule(spec string) error {
	s := strings.TrimSpace(spec)
	if s == "" || strings.EqualFold(s, "off") {
		return nil
	}
	sc, err := jobs.ParseSchedule(s)
	if err != nil {
		return err
	}
	if sc.Kind == jobs.KindCron {
		_, err = cronParser.Parse(sc.Cron)
	}
	return err
}
