package app

import (
	"strings"

	"pushrelay/internal/collab/ratelimit"
	"pushrelay/internal/config"
	"pushrelay/internal/dispatch"
	"pushrelay/internal/gateway"
	"pushrelay/internal/httpapi"
	"pushrelay/internal/ingest"
	"pushrelay/internal/jobs"
	"pushrelay/internal/retry"
	"pushrelay/internal/storage"
	"pushrelay/internal/stream"
	logx "pushrelay/pkg/logx"
)

const (
	DefaultAddr       = ":8080"
	DefaultSQLitePath = "./data/pushrelay.db"
	DefaultAuditQueue = 256
)

// settings is a config with every duration parsed.
type settings struct {
	cfg *config.Config
	d   config.Durations
}

func resolve(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	d, err := cfg.Durations()
	if err != nil {
		return settings{}, err
	}
	return settings{cfg: cfg, d: d}, nil
}

func (s settings) logging() logx.Config {
	l := s.cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Format:  l.Format,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

func (s settings) storage() storage.Config {
	sc := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.cfg.Storage.Driver)),
		Path:        strings.TrimSpace(s.cfg.Storage.Path),
		BusyTimeout: s.d.StorageBusyTimeout,
		MaxOpen:     s.cfg.Storage.MaxOpen,
	}
	switch sc.Driver {
	case "postgresql", "pgx":
		sc.Driver = "postgres"
	case "", "sqlite3":
		sc.Driver = "sqlite"
	}
	if sc.Driver == "sqlite" && sc.Path == "" {
		sc.Path = DefaultSQLitePath
	}
	return sc
}

func (s settings) gateway() gateway.Config {
	g := s.cfg.Gateway
	return gateway.Config{
		Driver:   g.Driver,
		Ntfy:     gateway.NtfyConfig{Server: g.Ntfy.Server, Token: g.Ntfy.Token},
		Telegram: gateway.TelegramConfig{Token: g.Telegram.Token},
		FCM:      gateway.FCMConfig{CredentialsFile: g.FCM.CredentialsFile, ProjectID: g.FCM.ProjectID},
	}
}

func (s settings) dispatch() dispatch.Config {
	return dispatch.Config{Timeout: s.d.DispatchTimeout, DefaultTopic: strings.TrimSpace(s.cfg.Dispatch.DefaultTopic)}
}

func (s settings) retry() retry.Config {
	r := s.cfg.Retry
	return retry.Config{MaxAttempts: r.MaxAttempts, MaxAge: s.d.RetryMaxAge, Base: s.d.RetryBase, BatchSize: r.BatchSize}
}

func (s settings) ingest() ingest.Config {
	return ingest.Config{DefaultRateLimit: s.cfg.RateLimit.DefaultLimit}
}

func (s settings) auditQueue() int {
	if n := s.cfg.Ingest.AuditQueue; n > 0 {
		return n
	}
	return DefaultAuditQueue
}

func (s settings) stream() stream.Config {
	st := s.cfg.Stream
	return stream.Config{
		PollInterval: s.d.StreamPollInterval,
		Heartbeat:    s.d.StreamHeartbeat,
		MaxDuration:  s.d.StreamMaxDuration,
		BatchSize:    st.BatchSize,
	}
}

func (s settings) rateLimit() ratelimit.Config {
	r := s.cfg.RateLimit
	return ratelimit.Config{Driver: r.Driver, DefaultLimit: r.DefaultLimit, RedisURL: r.RedisURL, KeyPrefix: r.KeyPrefix}
}

func (s settings) http() httpapi.Config {
	h := s.cfg.HTTP
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	return httpapi.Config{
		Addr:              addr,
		ReadHeaderTimeout: s.d.HTTPReadHeaderTimeout,
		ShutdownTimeout:   s.d.HTTPShutdownTimeout,
		CookieName:        strings.TrimSpace(h.CookieName),
		TrustedProxies:    h.TrustedProxies,
	}
}

func (s settings) jobs() jobs.Config {
	return jobs.Config{Timezone: strings.TrimSpace(s.cfg.Jobs.Timezone)}
}

func (s settings) schedules() jobs.Schedules {
	return jobs.Schedules{Retry: s.cfg.Jobs.Retry, Cleanup: s.cfg.Jobs.Cleanup}
}
