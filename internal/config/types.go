package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "2s", "15m") and are parsed with ParseDurationField.
//
// Any string value may reference the environment as ${VAR} or
// ${VAR:-default}; a .env file next to the config is loaded first.
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Logging   LoggingConfig   `json:"logging"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Gateway   GatewayConfig   `json:"gateway"`
	Retry     RetryConfig     `json:"retry"`
	Ingest    IngestConfig    `json:"ingest"`
	Stream    StreamConfig    `json:"stream"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	Jobs      JobsConfig      `json:"jobs"`
}

// HTTPConfig requires a restart to change.
type HTTPConfig struct {
	Addr              string   `json:"addr"` // default ":8080"
	ReadHeaderTimeout string   `json:"read_header_timeout,omitempty"`
	ShutdownTimeout   string   `json:"shutdown_timeout,omitempty"`
	CookieName        string   `json:"cookie_name,omitempty"`
	TrustedProxies    []string `json:"trusted_proxies,omitempty"`
}

// StorageConfig requires a restart to change.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/pushrelay.db" }
//	"storage": { "driver": "postgres", "path": "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpen     int    `json:"max_open,omitempty"`     // postgres
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type DispatchConfig struct {
	// Timeout bounds every push attempt. Default "2s".
	Timeout      string `json:"timeout,omitempty"`
	DefaultTopic string `json:"default_topic,omitempty"`
}

// GatewayConfig selects the push gateway. Requires a restart to change.
type GatewayConfig struct {
	Driver   string         `json:"driver"` // log | ntfy | telegram | fcm
	Ntfy     NtfyConfig     `json:"ntfy"`
	Telegram TelegramConfig `json:"telegram"`
	FCM      FCMConfig      `json:"fcm"`
}

type NtfyConfig struct {
	Server string `json:"server"`
	Token  string `json:"token,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

type FCMConfig struct {
	CredentialsFile string `json:"credentials_file"`
	ProjectID       string `json:"project_id,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"` // default 5
	MaxAge      string `json:"max_age,omitempty"`      // default "24h"
	Base        string `json:"base,omitempty"`         // default "1m"
	BatchSize   int    `json:"batch_size,omitempty"`   // default 20
}

type IngestConfig struct {
	IdempotencyTTL string `json:"idempotency_ttl,omitempty"` // default "24h"
	AuditQueue     int    `json:"audit_queue,omitempty"`     // default 256
}

type StreamConfig struct {
	PollInterval string `json:"poll_interval,omitempty"` // default "1.5s"
	Heartbeat    string `json:"heartbeat,omitempty"`     // default "15s"
	MaxDuration  string `json:"max_duration,omitempty"`  // default "290s"
	BatchSize    int    `json:"batch_size,omitempty"`    // default 100
}

type RateLimitConfig struct {
	Driver       string `json:"driver,omitempty"`        // memory (default) | redis | none
	DefaultLimit int    `json:"default_limit,omitempty"` // per key per minute; 0 = unlimited
	RedisURL     string `json:"redis_url,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"`
}

// JobsConfig schedules maintenance. A schedule of "off" disables the job.
type JobsConfig struct {
	Timezone string `json:"timezone,omitempty"`
	Retry    string `json:"retry,omitempty"`   // default "@every 15m"
	Cleanup  string `json:"cleanup,omitempty"` // default "@hourly"
}
