// Package redis caches the enabled blacklist rules and rate-limits the admin
// API. Both concerns fail open: a dead Redis never blocks validation or
// requests.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"telepost/internal/domain"
)

const rulesKey = "blacklist:rules:enabled"

type Cache struct {
	Client *redis.Client
	TTL    time.Duration
}

func New(addr, pass string, db int, ttl time.Duration) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb, TTL: ttl}
}

func (c *Cache) GetEnabledRules(ctx context.Context) ([]domain.BlacklistRule, error) {
	val, err := c.Client.Get(ctx, rulesKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, err
	}
	var rules []domain.BlacklistRule
	if err := json.Unmarshal([]byte(val), &rules); err != nil {
		return nil, domain.ErrCacheMiss
	}
	return rules, nil
}

func (c *Cache) SetEnabledRules(ctx context.Context, rules []domain.BlacklistRule) error {
	body, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, rulesKey, body, c.TTL).Err()
}

// InvalidateRules drops the cached rule set after a blacklist mutation.
func (c *Cache) InvalidateRules(ctx context.Context) error {
	return c.Client.Del(ctx, rulesKey).Err()
}

// AllowRequest: Simple Fixed Window Rate Limit
func (c *Cache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	key := "ratelimit:" + ip
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, key, window).Err()
	}
	return count <= int64(limit), nil
}
