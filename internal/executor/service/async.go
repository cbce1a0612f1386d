package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path"
	"time"

	"execbox/internal/common/mq"
	"execbox/internal/executor/fetcher"
	"execbox/internal/executor/result"
	appErr "execbox/pkg/errors"
	pkgrepo "execbox/pkg/repository"
	"execbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Submit accepts req for asynchronous execution and returns its id.
func (s *Service) Submit(ctx context.Context, req ExecutionRequest) (string, error) {
	if s.producer == nil || s.opts.Topics.Jobs == "" {
		return "", appErr.New(appErr.ServiceUnavailable).WithMessage("async execution is not configured")
	}
	if s.results == nil {
		return "", appErr.New(appErr.ServiceUnavailable).WithMessage("result store is not configured")
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	profile, err := s.registry.Resolve(req.Language)
	if err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = logger.WithExecutionID(ctx, req.ID)

	if err := s.parkInlineSource(ctx, &req, profile.SourceFile); err != nil {
		return "", err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InternalServerError, "encode request failed")
	}
	if err := s.results.MarkPending(ctx, req.ID, req.Language); err != nil {
		return "", err
	}
	msg := mq.NewMessage(req.ID, body)
	msg.SetHeader("language", req.Language)
	if err := s.producer.Publish(ctx, s.opts.Topics.Jobs, msg); err != nil {
		logger.Error(ctx, "publish execution job failed", zap.Error(err))
		failed := result.FromError(appErr.Wrapf(err, appErr.QueuePublishFailed, "publish execution job failed"))
		failed.ID = req.ID
		failed.Language = req.Language
		s.persist(ctx, failed)
		return "", appErr.Wrapf(err, appErr.QueuePublishFailed, "publish execution job failed")
	}
	logger.Info(ctx, "execution submitted", zap.String("language", req.Language))
	return req.ID, nil
}

// parkInlineSource moves a large inline source to the object store so the
// queue message stays small.
func (s *Service) parkInlineSource(ctx context.Context, req *ExecutionRequest, fileName string) error {
	if s.objects == nil || s.opts.SourceBucket == "" || int64(len(req.Source.Inline)) <= s.opts.InlineParkBytes {
		return nil
	}
	key := path.Join("sources", req.ID, fileName)
	data := []byte(req.Source.Inline)
	if err := s.objects.PutObject(ctx, s.opts.SourceBucket, key, bytes.NewReader(data), int64(len(data)), "text/plain"); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "store source failed")
	}
	req.Source = fetcher.SourceRef{Object: &fetcher.ObjectRef{Bucket: s.opts.SourceBucket, Key: key}}
	return nil
}

// HandleMessage consumes one queued execution request.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var req ExecutionRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if req.ID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("message missing execution id")
	}
	ctx = logger.WithExecutionID(ctx, req.ID)

	if s.results != nil {
		done, err := s.results.Done(ctx, req.ID)
		if err != nil {
			return err
		}
		if done {
			logger.Info(ctx, "execution already finished, skipping redelivery")
			return nil
		}
		release, ok, err := s.results.Claim(ctx, req.ID, s.opts.ClaimHold)
		if err != nil {
			return err
		}
		if !ok {
			logger.Info(ctx, "execution claimed by another worker")
			return nil
		}
		defer release()
	}

	report, err := s.execute(ctx, req, s.opts.PoolWaitTimeout)
	if err == nil {
		s.finish(ctx, req, report)
		return nil
	}
	if !appErr.Is(err, appErr.ExecutorQueueFull) {
		return err
	}
	return s.requeue(ctx, req, msg, err)
}

func (s *Service) requeue(ctx context.Context, req ExecutionRequest, msg *mq.Message, cause error) error {
	err := mq.RequeueForPoolFull(ctx, s.producer, s.opts.Topics.Jobs, msg, s.opts.PoolRetry)
	if err == nil {
		logger.Info(ctx, "executor pool full, message requeued", zap.Int("retry", mq.ParsePoolRetryCount(msg)+1))
		return nil
	}
	if !errors.Is(err, mq.ErrPoolRetryExhausted) {
		return err
	}

	logger.Warn(ctx, "executor pool retry exhausted", zap.Int("retry", mq.ParsePoolRetryCount(msg)))
	if s.opts.Topics.DeadLetter != "" {
		if pubErr := s.producer.Publish(ctx, s.opts.Topics.DeadLetter, msg); pubErr != nil {
			logger.Error(ctx, "publish dead letter failed", zap.Error(pubErr))
		}
	}
	s.finish(ctx, req, result.FromError(cause))
	return nil
}

// GetResult returns the report for id, falling back to history once the
// cached copy has expired.
func (s *Service) GetResult(ctx context.Context, id string) (result.Report, error) {
	if id == "" {
		return result.Report{}, appErr.ValidationError("id", "required")
	}
	if s.results == nil && s.history == nil {
		return result.Report{}, appErr.New(appErr.ServiceUnavailable).WithMessage("result store is not configured")
	}
	if s.results != nil {
		report, err := s.results.Get(ctx, id)
		if err == nil {
			return report, nil
		}
		if !appErr.Is(err, appErr.ExecutionNotFound) || s.history == nil {
			return result.Report{}, err
		}
	}
	return s.history.Get(ctx, id)
}

// ListHistory pages through finished executions, newest first.
func (s *Service) ListHistory(ctx context.Context, q HistoryQuery) (pkgrepo.Page[result.Report], error) {
	if s.history == nil {
		return pkgrepo.Page[result.Report]{}, appErr.New(appErr.ServiceUnavailable).WithMessage("execution history is not configured")
	}
	if q.Status != "" && !result.Status(q.Status).Valid() {
		return pkgrepo.Page[result.Report]{}, appErr.ValidationError("status", "unknown status")
	}
	opts := pkgrepo.ListOptions{OrderDesc: true}
	opts.Paginate(q.Page, q.PageSize)
	if q.Language != "" {
		opts.Where("language", pkgrepo.OpEq, q.Language)
	}
	if q.Status != "" {
		opts.Where("status", pkgrepo.OpEq, q.Status)
	}
	if q.Since > 0 {
		opts.Where("since", pkgrepo.OpGTE, time.Unix(q.Since, 0).UTC())
	}
	return s.history.List(ctx, opts)
}
