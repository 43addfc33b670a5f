package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"milkrun/backend/internal/domain"
)

type RedisLoadPlanCache struct {
	client *redis.Client
}

func NewRedisLoadPlanCache(addr string, password string, db int) *RedisLoadPlanCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisLoadPlanCache{client: client}
}

func (c *RedisLoadPlanCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLoadPlanCache) Close() error {
	return c.client.Close()
}

func (c *RedisLoadPlanCache) Get(ctx context.Context, key string) (*domain.LoadPlanResponse, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.LoadPlanResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisLoadPlanCache) Set(ctx context.Context, key string, value *domain.LoadPlanResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
