// Package redis implements the seen-set and price cache on Redis.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Luisqbd/sniperbot/internal/config"
)

// Client wraps the shared Redis connection.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewClient connects and pings.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}

	return &Client{rdb: rdb, logger: logger.With(slog.String("component", "redis"))}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error { return c.rdb.Close() }
