package mq

import (
	"context"
	"time"
)

// Producer publishes to a named topic. KafkaQueue implements it; tests use
// in-memory recorders.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// FetchLimiter bounds how many fetched messages are in flight.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// HandlerFunc processes one message. A non-nil error counts as a failed attempt.
type HandlerFunc func(ctx context.Context, message *Message) error

// Message is the broker-neutral envelope. Attempts, MaxAttempts and TTL travel
// as reserved headers and are not visible in Headers.
type Message struct {
	ID          string
	Body        []byte
	Headers     map[string]string
	Timestamp   time.Time
	Attempts    int
	MaxAttempts int
	// TTL drops the message unhandled once it is older than this.
	TTL time.Duration
}

func NewMessage(id string, body []byte) *Message {
	return &Message{
		ID:        id,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

func (m *Message) GetHeader(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// Clone copies the envelope with a fresh header map and a reset attempt count.
func (m *Message) Clone() *Message {
	next := *m
	next.Attempts = 0
	next.Headers = make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		next.Headers[k] = v
	}
	return &next
}

func (m *Message) expired(now time.Time) bool {
	return m.TTL > 0 && !m.Timestamp.IsZero() && now.Sub(m.Timestamp) > m.TTL
}

// SubscribeOptions tunes one consumer group subscription.
type SubscribeOptions struct {
	ConsumerGroup string
	// Concurrency is the number of handler goroutines. Default 1.
	Concurrency int
	// MaxAttempts caps handler calls per message. Default 3.
	MaxAttempts int
	// RetryDelay is the pause between attempts. Default 1s.
	RetryDelay      time.Duration
	DeadLetterTopic string
	MessageTTL      time.Duration
	// Limiter is acquired before each fetch and released after handling.
	Limiter FetchLimiter
}

func (o *SubscribeOptions) applyDefaults(topic string) {
	if o.ConsumerGroup == "" {
		o.ConsumerGroup = "execbox-" + topic
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
}
