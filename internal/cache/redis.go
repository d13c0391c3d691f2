// Package cache provides the Redis access layer: offer snapshots and IP rate limits.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PoolConfig sizes the Redis client. Zero fields take defaults sized for the
// click path, which touches Redis several times per request.
type PoolConfig struct {
	PoolSize     int
	MinIdleConns int
	PoolTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (p PoolConfig) withDefaults() PoolConfig {
	if p.PoolSize <= 0 {
		p.PoolSize = 50
	}
	if p.MinIdleConns <= 0 {
		p.MinIdleConns = 5
	}
	if p.PoolTimeout <= 0 {
		p.PoolTimeout = time.Second
	}
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = 500 * time.Millisecond
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = 500 * time.Millisecond
	}
	return p
}

// Cache wraps the shared Redis client.
type Cache struct {
	client *redis.Client
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, pool PoolConfig) (*Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	pool = pool.withDefaults()
	opt.PoolSize = pool.PoolSize
	opt.MinIdleConns = pool.MinIdleConns
	opt.PoolTimeout = pool.PoolTimeout
	opt.ReadTimeout = pool.ReadTimeout
	opt.WriteTimeout = pool.WriteTimeout
	// Stage deadlines must bound script calls.
	opt.ContextTimeoutEnabled = true

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewFromClient wraps an existing Redis client.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Ping checks Redis connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client returns the underlying client for the stores built on it.
func (c *Cache) Client() *redis.Client {
	return c.client
}
