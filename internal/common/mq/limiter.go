package mq

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// TokenLimiter bounds concurrent child processes and, as a FetchLimiter,
// in-flight queue fetches. Releasing more than was acquired is ignored.
type TokenLimiter struct {
	sem   *semaphore.Weighted
	size  int64
	inUse atomic.Int64
}

// NewTokenLimiter treats size < 1 as 1.
func NewTokenLimiter(size int) *TokenLimiter {
	n := int64(max(size, 1))
	return &TokenLimiter{sem: semaphore.NewWeighted(n), size: n}
}

func (l *TokenLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.inUse.Add(1)
	return nil
}

func (l *TokenLimiter) Release() {
	for {
		cur := l.inUse.Load()
		if cur <= 0 {
			return
		}
		if l.inUse.CompareAndSwap(cur, cur-1) {
			l.sem.Release(1)
			return
		}
	}
}

// Available reports free tokens; it backs the executor slot gauge.
func (l *TokenLimiter) Available() int { return int(l.size - l.inUse.Load()) }
func (l *TokenLimiter) Capacity() int  { return int(l.size) }
