package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by an L2Client when the key does not exist.
var ErrMiss = errors.New("cache: key not found")

// L2Client is the minimal key-value surface the shared tier needs. The
// tiered cache doesn't import a specific driver; cmd/gateway creates the
// concrete client and injects it, or passes nil to run L1-only.
type L2Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// GoRedisL2 wraps go-redis v9 to implement L2Client.
type GoRedisL2 struct {
	rdb *redis.Client
}

// NewGoRedisL2 connects to the shared cache and verifies connectivity with a
// ping. Callers decide whether a connection failure downgrades to L1-only.
func NewGoRedisL2(url string) (*GoRedisL2, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse CACHE_L2_URL: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("cache L2 connected", "addr", opts.Addr)
	return &GoRedisL2{rdb: rdb}, nil
}

func (c *GoRedisL2) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	return val, err
}

func (c *GoRedisL2) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *GoRedisL2) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Close shuts down the underlying client.
func (c *GoRedisL2) Close() error { return c.rdb.Close() }
