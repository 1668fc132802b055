package client

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// RedisDeduper guards notification delivery so each (event, recipient) pair
// is delivered once even when a fan-out is retried.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper connects to Redis and verifies the connection.
func NewRedisDeduper(redisURL string, ttl time.Duration) (*RedisDeduper, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "parse redis url")
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Unavailable("redis", err)
	}

	return NewRedisDeduperWithClient(client, ttl), nil
}

// NewRedisDeduperWithClient creates a deduper from an existing client.
func NewRedisDeduperWithClient(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "notif:", ttl: ttl}
}

func (d *RedisDeduper) key(eventID, recipientID string) string {
	return d.prefix + eventID + ":" + recipientID
}

// Claim reserves delivery of eventID to recipientID. It returns false when
// an earlier attempt already claimed the pair.
func (d *RedisDeduper) Claim(ctx context.Context, eventID, recipientID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(eventID, recipientID), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, errors.Unavailable("redis", err)
	}
	return ok, nil
}

// Release drops a claim so a failed delivery can be retried.
func (d *RedisDeduper) Release(ctx context.Context, eventID, recipientID string) error {
	if err := d.client.Del(ctx, d.key(eventID, recipientID)).Err(); err != nil {
		return errors.Unavailable("redis", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
