package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"rosterhub/pkg/domain"
)

// RedisCache stores lists as JSON so every API replica and the import worker
// share one view.
type RedisCache struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisCache{client: client, prefix: prefix, timeout: 3 * time.Second}
}

// Remember treats Redis read and write failures as a miss and serves the
// producer's result.
func (c *RedisCache) Remember(ctx context.Context, userID string, ttl time.Duration, produce Producer) ([]domain.Collaborator, error) {
	k := key(c.prefix, userID)
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	raw, err := c.client.Get(rctx, k).Bytes()
	cancel()
	switch {
	case err == nil:
		var cached []domain.Collaborator
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
		slog.Warn("cache entry undecodable", "key", k)
	case !errors.Is(err, redis.Nil):
		slog.Warn("cache read failed", "key", k, "err", err)
	}

	value, err := produce(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = []domain.Collaborator{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return value, nil
	}
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(wctx, k, payload, ttl).Err(); err != nil {
		slog.Warn("cache write failed", "key", k, "err", err)
	}
	return value, nil
}

func (c *RedisCache) Forget(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Del(ctx, key(c.prefix, userID)).Err()
}
