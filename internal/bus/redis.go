package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Transport backed by a Redis Pub/Sub channel, so editing surfaces
// served by different processes behind one deployment still see each other.
type Redis struct {
	client  *redis.Client
	channel string
}

func NewRedis(client *redis.Client, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(h Handler) (func(), error) {
	pubsub := r.client.Subscribe(context.Background(), r.channel)
	// Force the subscription to be established before returning, so a
	// Publish immediately after Subscribe is not lost.
	if _, err := pubsub.Receive(context.Background()); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { _ = pubsub.Close() })
	}, nil
}

// RedisConnector hands out Redis transports, one Pub/Sub channel per name.
type RedisConnector struct {
	client *redis.Client
	prefix string
}

// NewRedisConnector connects to Redis and verifies the connection.
func NewRedisConnector(redisURL, prefix string) (*RedisConnector, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisConnector{client: client, prefix: prefix}, nil
}

// NewRedisConnectorWithClient builds a connector from an existing client.
func NewRedisConnectorWithClient(client *redis.Client, prefix string) *RedisConnector {
	return &RedisConnector{client: client, prefix: prefix}
}

func (c *RedisConnector) Channel(name string) Transport {
	return NewRedis(c.client, c.prefix+":"+name)
}

func (c *RedisConnector) Close() error {
	return c.client.Close()
}
