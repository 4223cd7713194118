package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLevelPrefix = "cex:accountant:level:"

// UserLevelCache maps a user uuid to the fee level used for pair config lookup.
type UserLevelCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewUserLevelCache(client *redis.Client, ttl time.Duration, prefix string) *UserLevelCache {
	if prefix == "" {
		prefix = defaultLevelPrefix
	}
	return &UserLevelCache{
		client: client,
		ttl:    ttl,
		prefix: prefix,
	}
}

// Get reports false when the user has no cached level.
func (c *UserLevelCache) Get(ctx context.Context, uuid string) (string, bool, error) {
	level, err := c.client.Get(ctx, c.prefix+uuid).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get user level: %w", err)
	}
	return level, true, nil
}

func (c *UserLevelCache) Set(ctx context.Context, uuid, level string) error {
	level = strings.TrimSpace(level)
	if level == "" {
		return fmt.Errorf("level is required")
	}
	if err := c.client.Set(ctx, c.prefix+uuid, level, c.ttl).Err(); err != nil {
		return fmt.Errorf("set user level: %w", err)
	}
	return nil
}

func (c *UserLevelCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
