package core

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: key not found")

// Store is the durable key-value mirror. Values are opaque strings.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HSet(ctx context.Context, key string, values map[string]string) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string) ([]string, error)
	// LDrop removes the first n elements of a list.
	LDrop(ctx context.Context, key string, n int) error

	Ping(ctx context.Context) error
	Close() error
}
