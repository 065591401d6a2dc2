package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pressdesk/backend/internal/domain"
)

type RedisQueueCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisQueueCache(client *redis.Client) *RedisQueueCache {
	return &RedisQueueCache{client: client}
}

func (c *RedisQueueCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisQueueCache) Get(ctx context.Context, branchID string) (*domain.QueueSummary, bool, error) {
	val, err := c.client.Get(ctx, queueKey(branchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.QueueSummary
	if err := json.Unmarshal(val, &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisQueueCache) Set(ctx context.Context, branchID string, value *domain.QueueSummary, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, queueKey(branchID), payload, ttl).Err()
}

func (c *RedisQueueCache) Invalidate(ctx context.Context, branchID string) error {
	return c.client.Del(ctx, queueKey(branchID)).Err()
}
