package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "wallet_events"

type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher fans events out over Redis pub/sub.
type RedisPublisher struct {
	rdb     redisPublishClient
	channel string
}

func NewRedisPublisher(rdb redisPublishClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.Type, err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the process.
func (p *RedisPublisher) Close() error { return nil }
