// Package rediscache provides a Redis-backed implementation of intel.Cache,
// for deployments where multiple instances share one reputation cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/halcyonlabs/sentinel/internal/intel"
)

// Config configures Redis access for the reputation cache.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Cache stores reputations as JSON values with a server-side TTL.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New connects to Redis and returns a ready cache.
func New(cfg Config, ttl time.Duration) (*Cache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "sentinel:intel"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis intel cache: %w", err)
	}

	return &Cache{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix), ttl: ttl}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

// Get returns the cached reputation for key. Redis owns expiry, so a hit is
// never stale.
func (c *Cache) Get(ctx context.Context, key string) (*intel.Reputation, bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read intel cache key: %w", err)
	}

	var rep intel.Reputation
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, false, fmt.Errorf("decode cached reputation: %w", err)
	}
	return &rep, true, nil
}

// Set stores the reputation under key with the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, rep *intel.Reputation) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode reputation: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write intel cache key: %w", err)
	}
	return nil
}

// Close closes Redis resources.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Cache) key(key string) string {
	return c.prefix + ":" + key
}
