package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps a go-redis client and counts every operation
type RedisClient struct {
	client *redis.Client
	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisClient instruments client
func NewRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Get returns the value of key; a missing key returns redis.Nil and counts as a miss
func (rc *RedisClient) Get(ctx context.Context, key string) (string, error) {
	RecordRedisOperation("get")

	val, err := rc.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		rc.misses.Add(1)
		rc.updateHitRate()
		return "", err
	case err != nil:
		return "", err
	}

	rc.hits.Add(1)
	rc.updateHitRate()
	return val, nil
}

// Set writes key with a TTL
func (rc *RedisClient) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	RecordRedisOperation("set")
	return rc.client.Set(ctx, key, value, ttl).Err()
}

// SetMany writes several keys with one TTL in a single pipeline round trip
func (rc *RedisClient) SetMany(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	RecordRedisOperation("pipeline_set")

	_, err := rc.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range values {
			p.Set(ctx, k, v, ttl)
		}
		return nil
	})
	return err
}

// Ping checks connectivity
func (rc *RedisClient) Ping(ctx context.Context) error {
	RecordRedisOperation("ping")
	return rc.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// HitRate returns hits / (hits + misses), 0 when nothing was read
func (rc *RedisClient) HitRate() float64 {
	hits, misses := rc.hits.Load(), rc.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

func (rc *RedisClient) updateHitRate() {
	RedisCacheHitRate.Set(rc.HitRate())
}
