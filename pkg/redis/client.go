package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures the shared Redis connection used for fan-out and the archive queue.
type Options struct {
	Addr     string
	Password string
	DB       int
	// PoolSize caps connections. Each hub subscription pins one, so size it above the expected room count per instance.
	PoolSize    int
	DialTimeout time.Duration
}

// Client wraps the go-redis client with readiness checks.
type Client struct {
	*redis.Client
	addr   string
	logger *zap.Logger
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, opts Options, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: opts.DialTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("pool_size", rdb.Options().PoolSize))
	return &Client{Client: rdb, addr: opts.Addr, logger: logger}, nil
}

// Ready pings Redis for the health endpoint.
func (c *Client) Ready(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		c.logger.Warn("redis not ready", zap.String("addr", c.addr), zap.Error(err))
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
