// Package redis adapts a Redis instance to the auth snapshot cache
// port. Keys carry the TTL given at Set; a cold or unreachable cache
// degrades to recomputation, never to an authorization failure.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"tessera.org/internal/auth"
)

// Cache implements auth.Cache over go-redis.
type Cache struct {
	client *redis.Client
}

var _ auth.Cache = (*Cache)(nil)

// New connects to the given address and verifies the connection.
func New(ctx context.Context, addr string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Close() error { return c.client.Close() }

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
