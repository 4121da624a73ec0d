package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morezero/action-gateway/pkg/commsutil"
)

const redisPublisherLogPrefix = "events:redis_publisher"

// DefaultRedisChannel is the channel used when none is configured.
const DefaultRedisChannel = "gateway.changed"

// RedisPublisher publishes collection change events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisClient creates a Redis client for the publisher.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// NewRedisPublisher creates a new RedisPublisher. An empty channel uses DefaultRedisChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// PublishChanged publishes the event on the configured channel.
func (p *RedisPublisher) PublishChanged(ctx context.Context, event *CollectionChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", redisPublisherLogPrefix, err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", redisPublisherLogPrefix, p.channel, err))
		return fmt.Errorf("%s - failed to publish to %s: %w", redisPublisherLogPrefix, p.channel, err)
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for %s", redisPublisherLogPrefix, event.Change, event.Collection))
	return nil
}

// Close releases the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
