package mq

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"execbox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Reserved headers carrying Message metadata.
const (
	headerID          = "x-message-id"
	headerTimestamp   = "x-message-ts"
	headerAttempts    = "x-message-attempts"
	headerMaxAttempts = "x-message-max-attempts"
	headerTTL         = "x-message-ttl-ms"

	fetchErrorBackoff = 100 * time.Millisecond
)

// KafkaConfig holds broker, producer and reader settings.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	RequiredAcks kafka.RequiredAcks
	BatchSize    int
	BatchTimeout time.Duration
	Compression  kafka.Compression

	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *KafkaConfig) applyDefaults() {
	setDuration := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1 << 10
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireOne
	}
	setDuration(&c.BatchTimeout, 50*time.Millisecond)
	setDuration(&c.MaxWait, time.Second)
	setDuration(&c.DialTimeout, 10*time.Second)
	setDuration(&c.ReadTimeout, 10*time.Second)
	setDuration(&c.WriteTimeout, 10*time.Second)
}

// KafkaQueue publishes through one shared writer and runs a reader per
// subscription.
type KafkaQueue struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	writer *kafka.Writer

	mu      sync.Mutex
	subs    []*subscription
	running bool
	closed  bool
}

type subscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	parent  context.Context

	reader *kafka.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	cfg.applyDefaults()

	dialer := &kafka.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout, DualStack: true}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Compression:  cfg.Compression,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
		},
	}
	return &KafkaQueue{cfg: cfg, dialer: dialer, writer: writer}, nil
}

// Publish writes message keyed by its ID so redeliveries of one execution
// stay on one partition.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	switch {
	case message == nil:
		return errors.New("message is nil")
	case topic == "":
		return errors.New("topic is required")
	}
	return k.writer.WriteMessages(ctx, encodeMessage(topic, message))
}

// Subscribe registers handler for topic. Consumption begins on Start, or
// immediately when the queue is already running.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts SubscribeOptions) error {
	if topic == "" || handler == nil {
		return errors.New("topic and handler are required")
	}
	opts.applyDefaults(topic)
	sub := &subscription{topic: topic, handler: handler, opts: opts, parent: ctx}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("kafka queue is closed")
	}
	k.subs = append(k.subs, sub)
	if k.running {
		k.consume(sub)
	}
	return nil
}

func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("kafka queue is closed")
	}
	if !k.running {
		for _, sub := range k.subs {
			k.consume(sub)
		}
		k.running = true
	}
	return nil
}

// Stop cancels every subscription and waits for in-flight handlers.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subs {
		sub.wg.Wait()
		if sub.reader != nil {
			_ = sub.reader.Close()
			sub.reader = nil
		}
	}
	k.running = false
	return nil
}

func (k *KafkaQueue) Ping(ctx context.Context) error {
	conn, err := k.dialer.DialContext(ctx, "tcp", k.cfg.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

// consume starts one fetch goroutine feeding opts.Concurrency handler
// goroutines. Caller holds k.mu.
func (k *KafkaQueue) consume(sub *subscription) {
	parent := sub.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sub.cancel = cancel
	sub.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       sub.topic,
		GroupID:     sub.opts.ConsumerGroup,
		Dialer:      k.dialer,
		MinBytes:    k.cfg.MinBytes,
		MaxBytes:    k.cfg.MaxBytes,
		MaxWait:     k.cfg.MaxWait,
		StartOffset: kafka.LastOffset,
	})

	fetched := make(chan kafka.Message, sub.opts.Concurrency)
	sub.wg.Add(1 + sub.opts.Concurrency)
	go func() {
		defer sub.wg.Done()
		defer close(fetched)
		k.fetchLoop(ctx, sub, fetched)
	}()
	for i := 0; i < sub.opts.Concurrency; i++ {
		go func() {
			defer sub.wg.Done()
			for msg := range fetched {
				k.dispatch(ctx, sub, msg)
			}
		}()
	}
}

func (k *KafkaQueue) fetchLoop(ctx context.Context, sub *subscription, out chan<- kafka.Message) {
	limiter := sub.opts.Limiter
	release := func() {
		if limiter != nil {
			limiter.Release()
		}
	}
	for ctx.Err() == nil {
		if limiter != nil {
			if err := limiter.Acquire(ctx); err != nil {
				return
			}
		}
		msg, err := sub.reader.FetchMessage(ctx)
		if err != nil {
			release()
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			logger.Warn(ctx, "kafka fetch failed", zap.String("topic", sub.topic), zap.Error(err))
			if !sleepCtx(ctx, fetchErrorBackoff) {
				return
			}
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			release()
			return
		}
	}
}

// dispatch runs the handler until it succeeds or attempts run out, then
// commits. Exhausted messages go to the dead-letter topic when one is set.
func (k *KafkaQueue) dispatch(ctx context.Context, sub *subscription, raw kafka.Message) {
	if sub.opts.Limiter != nil {
		defer sub.opts.Limiter.Release()
	}
	commit := func() {
		if err := sub.reader.CommitMessages(ctx, raw); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "kafka commit failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}

	msg := decodeMessage(raw)
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = sub.opts.MaxAttempts
	}
	if msg.TTL == 0 {
		msg.TTL = sub.opts.MessageTTL
	}
	if msg.expired(time.Now()) {
		logger.Info(ctx, "dropping expired message", zap.String("topic", sub.topic), zap.String("message_id", msg.ID))
		commit()
		return
	}

	for {
		err := sub.handler(ctx, msg)
		if err == nil {
			commit()
			return
		}
		msg.Attempts++
		if msg.Attempts >= msg.MaxAttempts {
			logger.Error(ctx, "message exhausted attempts",
				zap.String("topic", sub.topic),
				zap.String("message_id", msg.ID),
				zap.Int("attempts", msg.Attempts),
				zap.Error(err),
			)
			if sub.opts.DeadLetterTopic != "" {
				if dlqErr := k.Publish(ctx, sub.opts.DeadLetterTopic, msg); dlqErr != nil {
					logger.Error(ctx, "publish dead letter failed", zap.String("message_id", msg.ID), zap.Error(dlqErr))
				}
			}
			commit()
			return
		}
		if !sleepCtx(ctx, sub.opts.RetryDelay) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func encodeMessage(topic string, m *Message) kafka.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	headers := make([]kafka.Header, 0, len(m.Headers)+5)
	add := func(key, value string) {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	for key, value := range m.Headers {
		add(key, value)
	}
	add(headerTimestamp, m.Timestamp.UTC().Format(time.RFC3339Nano))
	if m.ID != "" {
		add(headerID, m.ID)
	}
	if m.Attempts > 0 {
		add(headerAttempts, strconv.Itoa(m.Attempts))
	}
	if m.MaxAttempts > 0 {
		add(headerMaxAttempts, strconv.Itoa(m.MaxAttempts))
	}
	if m.TTL > 0 {
		add(headerTTL, strconv.FormatInt(m.TTL.Milliseconds(), 10))
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(m.ID),
		Value:   m.Body,
		Headers: headers,
		Time:    m.Timestamp,
	}
}

func decodeMessage(raw kafka.Message) *Message {
	m := &Message{
		ID:        string(raw.Key),
		Body:      raw.Value,
		Headers:   make(map[string]string, len(raw.Headers)),
		Timestamp: raw.Time,
	}
	for _, h := range raw.Headers {
		value := string(h.Value)
		switch h.Key {
		case headerID:
			m.ID = value
		case headerTimestamp:
			if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.Timestamp = ts
			}
		case headerAttempts:
			m.Attempts = parseNonNegative(value)
		case headerMaxAttempts:
			m.MaxAttempts = parseNonNegative(value)
		case headerTTL:
			m.TTL = time.Duration(parseNonNegative(value)) * time.Millisecond
		default:
			m.Headers[h.Key] = value
		}
	}
	return m
}

func parseNonNegative(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
