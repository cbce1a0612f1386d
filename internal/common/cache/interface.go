package cache

import (
	"context"
	"time"
)

// Cache is the key-value surface behind the result store, its claim locks
// and the history read-through cache. Get reports a missing key as "" with a
// nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TryLock returns an owner token; ok is false while another owner holds key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Unlock is a no-op unless token still owns key.
	Unlock(ctx context.Context, key, token string) error

	// Pipeline sends the writes queued by fn in one round trip.
	Pipeline(ctx context.Context, fn func(pipe Pipeliner) error) error

	Close() error
}

// Pipeliner queues writes inside Pipeline.
type Pipeliner interface {
	Set(key string, value interface{}, ttl time.Duration) error
	Del(keys ...string) error
}
