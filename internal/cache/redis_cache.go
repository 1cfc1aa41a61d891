package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"ledgerpos/backend/internal/domain"
)

type RedisAppliedMutationCache struct {
	client *redis.Client
}

func NewRedisAppliedMutationCache(addr string, password string, db int) *RedisAppliedMutationCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAppliedMutationCache{client: client}
}

func (c *RedisAppliedMutationCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAppliedMutationCache) Close() error {
	return c.client.Close()
}

func (c *RedisAppliedMutationCache) Get(ctx context.Context, userID string, clientMutationID string) (*domain.AppliedMutation, bool, error) {
	val, err := c.client.Get(ctx, appliedKey(userID, clientMutationID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var applied domain.AppliedMutation
	if err := json.Unmarshal([]byte(val), &applied); err != nil {
		return nil, false, err
	}
	return &applied, true, nil
}

func (c *RedisAppliedMutationCache) Set(ctx context.Context, applied domain.AppliedMutation, ttl time.Duration) error {
	payload, err := json.Marshal(applied)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, appliedKey(applied.UserID, applied.ClientMutationID), payload, ttl).Err()
}
