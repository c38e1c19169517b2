// Package redis reads alert lines from a Redis list, as filled by a log
// shipper using RPUSH.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultBlockTimeout is how long one BLPOP waits before returning empty.
const DefaultBlockTimeout = 5 * time.Second

// Config configures the Redis consumer.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
}

// Consumer pops alert lines from a Redis list and implements stream.Source.
type Consumer struct {
	client       *redis.Client
	key          string
	blockTimeout time.Duration
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, errors.New("redis: list key is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client:       client,
		key:          cfg.Key,
		blockTimeout: cfg.BlockTimeout,
	}, nil
}

// Next pops one line, returning nil when the block timeout elapses with an
// empty list.
func (c *Consumer) Next(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: blpop %s: %w", c.key, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Ping checks connectivity; used as a readiness probe.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
