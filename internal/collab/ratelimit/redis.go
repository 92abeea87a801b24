package ratelimit

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "pushrelay/pkg/logx"
)

// slidingWindow keeps one sorted-set member per admitted request.
// Returns {allowed, remaining, resetAtMillis}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, now + window}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if oldest[2] then reset = tonumber(oldest[2]) + window end
return {0, 0, reset}
`)

// Redis is a sliding-window counter shared by every server instance.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
	now    func() time.Time
}

func NewRedis(ctx context.Context, redisURL, prefix string, log logx.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.MaxRetries = 3
	if opts.TLSConfig == nil && strings.HasPrefix(redisURL, "rediss://") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisClient(rdb, prefix, log), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb redis.UniversalClient, prefix string, log logx.Logger) *Redis {
	if prefix == "" {
		prefix = "pushrelay:rl:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Redis{rdb: rdb, prefix: prefix, log: log, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, principalID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	now := r.now()
	res, err := slidingWindow.Run(ctx, r.rdb, []string{r.prefix + principalID},
		now.UnixMilli(), Window.Milliseconds(), limit, strconv.FormatInt(now.UnixNano(), 10)+"-"+uuid.NewString()[:8],
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
	}, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
