package cache

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"
)

// NullCacheValue is stored for keys whose loader found nothing.
const NullCacheValue = "$NULL$"

// Aside is a cache-aside read for values of type T. Encode and Decode default
// to JSON. Empty results are stored as NullCacheValue for EmptyTTL.
type Aside[T any] struct {
	TTL      time.Duration
	EmptyTTL time.Duration
	IsEmpty  func(T) bool
	Encode   func(T) (string, error)
	Decode   func(string) (T, error)
}

// Get serves key from c when present and otherwise calls load and fills c.
// Cache errors degrade to a load; load errors are returned and never cached.
func (a Aside[T]) Get(ctx context.Context, c Cache, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := c.Get(ctx, key)
	switch {
	case err != nil || raw == "":
	case raw == NullCacheValue:
		return zero, nil
	default:
		if v, err := a.decode(raw); err == nil {
			return v, nil
		}
	}

	v, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if a.IsEmpty != nil && a.IsEmpty(v) {
		_ = c.Set(ctx, key, NullCacheValue, a.EmptyTTL)
		return zero, nil
	}
	if encoded, err := a.encode(v); err == nil {
		_ = c.Set(ctx, key, encoded, JitterTTL(a.TTL))
	}
	return v, nil
}

func (a Aside[T]) encode(v T) (string, error) {
	if a.Encode != nil {
		return a.Encode(v)
	}
	data, err := json.Marshal(v)
	return string(data), err
}

func (a Aside[T]) decode(raw string) (T, error) {
	if a.Decode != nil {
		return a.Decode(raw)
	}
	var v T
	err := json.Unmarshal([]byte(raw), &v)
	return v, err
}

// JitterTTL trims up to a tenth off ttl so keys written in a burst expire apart.
func JitterTTL(ttl time.Duration) time.Duration {
	spread := int64(ttl / 10)
	if spread <= 0 {
		return ttl
	}
	return ttl - time.Duration(rand.Int64N(spread+1))
}
