package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds client and pool settings. Zero values take the defaults below.
type RedisConfig struct {
	Addr string

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
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
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
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
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// slotPrefix namespaces admission counters so they cannot collide with
// event channels or other keys on a shared instance.
const slotPrefix = "wallet:slots:"

func slotKey(key string) string { return slotPrefix + key }

// Acquire: INCR the counter and refresh its TTL on every admission, so a
// counter only outlives its last holder by ttl. Over the limit the increment
// is undone and 0 is returned.
var slotAcquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// Release: DECR, and drop the key once nothing holds it. A release after the
// counter expired must not leave a negative count behind.
var slotReleaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return current
`)

// AcquireSlot takes one of limit slots under key, e.g. "webhooks:paystack".
// The counter is shared by every API replica. A holder that dies without
// releasing frees its slot once ttl passes with no new admissions.
func AcquireSlot(ctx context.Context, rdb redis.Scripter, key string, limit int, ttl time.Duration) (bool, error) {
	if err := slotArgs(rdb, key); err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, fmt.Errorf("slot %s: limit must be > 0", key)
	}
	if ttl < time.Millisecond {
		return false, fmt.Errorf("slot %s: ttl must be at least 1ms", key)
	}

	res, err := slotAcquireScript.Run(ctx, rdb, []string{slotKey(key)}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("slot %s: acquire: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseSlot gives back a slot taken by AcquireSlot.
func ReleaseSlot(ctx context.Context, rdb redis.Scripter, key string) error {
	if err := slotArgs(rdb, key); err != nil {
		return err
	}
	if err := slotReleaseScript.Run(ctx, rdb, []string{slotKey(key)}).Err(); err != nil {
		return fmt.Errorf("slot %s: release: %w", key, err)
	}
	return nil
}

func slotArgs(rdb redis.Scripter, key string) error {
	if rdb == nil {
		return fmt.Errorf("slot %s: redis client is nil", key)
	}
	if key == "" {
		return fmt.Errorf("slot key is required")
	}
	return nil
}
