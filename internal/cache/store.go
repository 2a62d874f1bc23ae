// Package cache is a small byte-oriented TTL cache with in-process and Redis
// backends. Market data shares quotes across sessions through it.
package cache

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
