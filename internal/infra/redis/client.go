// Package redis mirrors market state and opportunities to Redis for
// external consumers (dashboards, other bots). Nothing in the trading path
// reads from it.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options holds connection parameters.
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// New connects and pings; it fails when Redis is unreachable.
func New(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying exposes the driver client.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
