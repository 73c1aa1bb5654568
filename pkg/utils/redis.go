package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	// Pub/sub receivers block on reads; -1 disables the per-read deadline.
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var publishOnceScript = redis.NewScript(`
-- KEYS[1] = dedup key
-- ARGV[1] = ttl_ms (int)
-- ARGV[2..] = channel, payload pairs
--
-- Returns:
--  number of channels published to, or
--  -1 if the dedup key already existed (nothing published)
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) == false then
  return -1
end
local n = 0
for i = 2, #ARGV, 2 do
  redis.call('PUBLISH', ARGV[i], ARGV[i + 1])
  n = n + 1
end
return n
`)

// PublishOnce atomically publishes payloads to channels unless dedupKey was
// already claimed within ttl. It returns false when the publish was suppressed.
//
// pairs alternates channel, payload.
func PublishOnce(ctx context.Context, rdb redis.Scripter, dedupKey string, ttl time.Duration, pairs ...string) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if dedupKey == "" {
		return false, fmt.Errorf("dedup key is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be > 0")
	}
	if len(pairs) == 0 || len(pairs)%2 != 0 {
		return false, fmt.Errorf("channel/payload pairs required")
	}

	args := make([]any, 0, len(pairs)+1)
	args = append(args, ttl.Milliseconds())
	for _, p := range pairs {
		args = append(args, p)
	}
	res, err := publishOnceScript.Run(ctx, rdb, []string{dedupKey}, args...).Int()
	if err != nil {
		return false, err
	}
	return res >= 0, nil
}
