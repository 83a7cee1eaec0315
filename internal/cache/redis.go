// Package cache keeps short-lived JSON values in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config contains the Redis settings.
type Config struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
	Prefix   string        `mapstructure:"prefix"`
}

// DefaultConfig returns a disabled cache on the local Redis.
func DefaultConfig() Config {
	return Config{
		Address: "localhost:6379",
		TTL:     2 * time.Second,
		Prefix:  "birdtrade:",
	}
}

// client is the part of redis.UniversalClient the cache uses.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisCache stores JSON documents under a key prefix.
type RedisCache struct {
	client client
	prefix string
	logger *zap.Logger
}

// NewRedisCache connects lazily; Ping reports whether Redis is reachable.
func NewRedisCache(cfg Config, logger *zap.Logger) *RedisCache {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Address},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newCache(rdb, cfg.Prefix, logger)
}

func newCache(c client, prefix string, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: c, prefix: prefix, logger: logger.Named("cache")}
}

// GetJSON decodes the value at key into dst. A missing key is not an error.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = c.client.Del(ctx, c.prefix+key).Err()
		return false, nil
	}
	return true, nil
}

// SetJSON stores v at key for ttl.
func (c *RedisCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
