package mq

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// HeaderPoolRetry counts how many times a message was requeued because no
// execution slot was free.
const HeaderPoolRetry = "x-pool-retry"

// PoolRetryConfig controls requeue backoff for saturated workers.
type PoolRetryConfig struct {
	MaxRetries  int           `yaml:"maxRetries"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
}

// ErrPoolRetryExhausted is returned once a message used up its requeues.
var ErrPoolRetryExhausted = errors.New("pool retry exhausted")

// ParsePoolRetryCount reads the requeue counter from message headers.
func ParsePoolRetryCount(msg *Message) int {
	if msg == nil {
		return 0
	}
	raw, ok := msg.GetHeader(HeaderPoolRetry)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ComputePoolBackoff doubles base per attempt and caps at max.
func ComputePoolBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt <= 1 {
		return base
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	return backoff
}

// RequeueForPoolFull waits out the backoff and republishes msg to topic with
// an incremented retry header. It returns ErrPoolRetryExhausted when the
// message has already been requeued cfg.MaxRetries times.
func RequeueForPoolFull(ctx context.Context, producer Producer, topic string, msg *Message, cfg PoolRetryConfig) error {
	if producer == nil || msg == nil {
		return errors.New("producer and message are required")
	}
	attempt := ParsePoolRetryCount(msg) + 1
	if cfg.MaxRetries > 0 && attempt > cfg.MaxRetries {
		return ErrPoolRetryExhausted
	}

	timer := time.NewTimer(ComputePoolBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	next := msg.Clone()
	next.SetHeader(HeaderPoolRetry, strconv.Itoa(attempt))
	return producer.Publish(ctx, topic, next)
}
