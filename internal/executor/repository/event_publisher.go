package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"execbox/internal/common/mq"
	"execbox/internal/executor/result"
	appErr "execbox/pkg/errors"
)

// ResultEvent announces a finished execution.
type ResultEvent struct {
	Report    result.Report `json:"report"`
	CreatedAt int64         `json:"createdAt"`
}

// ResultPublisher publishes final reports for downstream consumers.
type ResultPublisher interface {
	PublishResult(ctx context.Context, report result.Report) error
}

// MQResultPublisher publishes result events to a message queue topic.
type MQResultPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQResultPublisher creates a new publisher.
func NewMQResultPublisher(producer mq.Producer, topic string) *MQResultPublisher {
	return &MQResultPublisher{producer: producer, topic: topic}
}

// PublishResult publishes report keyed by its execution id.
func (p *MQResultPublisher) PublishResult(ctx context.Context, report result.Report) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("result topic is required")
	}
	if report.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	payload, err := json.Marshal(ResultEvent{Report: report, CreatedAt: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal result event failed: %w", err)
	}
	if err := p.producer.Publish(ctx, p.topic, mq.NewMessage(report.ID, payload)); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "publish result event failed")
	}
	return nil
}
