// Package cache defines the key/value contract used by the report cache.
package cache

import (
	"context"
	"time"
)

type Interface interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// SetStore is the set-valued side used by the cell index.
type SetStore interface {
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SUnion(ctx context.Context, keys ...string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}
