package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "pushrelay/pkg/logx"
)

// Change summarizes a reload.
type Change struct {
	// Sections lists changed top-level sections in file order.
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Fields are safe to log (no tokens, DSNs or URLs with credentials).
	Fields []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(name string, restart bool, changed bool, fields ...logx.Field) {
		if !changed {
			return
		}
		ch.Sections = append(ch.Sections, name)
		if restart {
			ch.Restart = append(ch.Restart, name)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	mark("http", true, !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP),
		logx.String("http.addr", newCfg.HTTP.Addr))
	// Never log the DSN: it may carry a password.
	mark("storage", true, !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage),
		logx.String("storage.driver", newCfg.Storage.Driver))
	mark("logging", false, !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	mark("dispatch", false, !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch),
		logx.String("dispatch.timeout", strings.TrimSpace(newCfg.Dispatch.Timeout)),
		logx.String("dispatch.default_topic", newCfg.Dispatch.DefaultTopic))
	mark("gateway", true, !reflect.DeepEqual(oldCfg.Gateway, newCfg.Gateway),
		logx.String("gateway.driver", newCfg.Gateway.Driver),
		logx.Bool("gateway.ntfy.token_set", newCfg.Gateway.Ntfy.Token != ""))
	mark("retry", false, oldCfg.Retry != newCfg.Retry,
		logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts),
		logx.String("retry.base", newCfg.Retry.Base),
		logx.String("retry.max_age", newCfg.Retry.MaxAge))
	mark("ingest", false, oldCfg.Ingest != newCfg.Ingest,
		logx.String("ingest.idempotency_ttl", newCfg.Ingest.IdempotencyTTL))
	mark("stream", false, oldCfg.Stream != newCfg.Stream,
		logx.String("stream.poll_interval", newCfg.Stream.PollInterval),
		logx.String("stream.heartbeat", newCfg.Stream.Heartbeat),
		logx.String("stream.max_duration", newCfg.Stream.MaxDuration))

	rlRestart := oldCfg.RateLimit.Driver != newCfg.RateLimit.Driver ||
		oldCfg.RateLimit.RedisURL != newCfg.RateLimit.RedisURL ||
		oldCfg.RateLimit.KeyPrefix != newCfg.RateLimit.KeyPrefix
	mark("ratelimit", rlRestart, oldCfg.RateLimit != newCfg.RateLimit,
		logx.String("ratelimit.driver", newCfg.RateLimit.Driver),
		logx.Int("ratelimit.default_limit", newCfg.RateLimit.DefaultLimit))
	mark("jobs", false, oldCfg.Jobs != newCfg.Jobs,
		logx.String("jobs.retry", newCfg.Jobs.Retry),
		logx.String("jobs.cleanup", newCfg.Jobs.Cleanup),
		logx.String("jobs.timezone", newCfg.Jobs.Timezone))
	return ch
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
