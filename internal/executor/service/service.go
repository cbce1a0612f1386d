// Package service orchestrates one execution request from source to report.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"execbox/internal/common/mq"
	"execbox/internal/common/storage"
	"execbox/internal/executor/engine"
	"execbox/internal/executor/observer"
	"execbox/internal/executor/registry"
	"execbox/internal/executor/repository"
	"execbox/internal/executor/result"
	"execbox/internal/executor/spec"
	"execbox/internal/executor/workspace"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service runs execution requests.
type Service struct {
	registry   ProfileResolver
	fetcher    SourceFetcher
	workspaces WorkspaceManager
	runner     engine.Runner
	slots      mq.FetchLimiter
	results    ResultStore
	history    HistoryStore
	publisher  repository.ResultPublisher
	producer   mq.Producer
	objects    storage.ObjectStorage
	metrics    observer.MetricsRecorder
	opts       Options
}

// Config holds service dependencies. Results, History, Publisher, Producer,
// Objects and Metrics are optional.
type Config struct {
	Registry   ProfileResolver
	Fetcher    SourceFetcher
	Workspaces WorkspaceManager
	Runner     engine.Runner
	Slots      mq.FetchLimiter
	Results    ResultStore
	History    HistoryStore
	Publisher  repository.ResultPublisher
	Producer   mq.Producer
	Objects    storage.ObjectStorage
	Metrics    observer.MetricsRecorder
	Options    Options
}

// NewService creates a new execution service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Slots == nil {
		return nil, fmt.Errorf("slot limiter is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observer.NoopMetricsRecorder{}
	}
	cfg.Options.setDefaults()
	return &Service{
		registry:   cfg.Registry,
		fetcher:    cfg.Fetcher,
		workspaces: cfg.Workspaces,
		runner:     cfg.Runner,
		slots:      cfg.Slots,
		results:    cfg.Results,
		history:    cfg.History,
		publisher:  cfg.Publisher,
		producer:   cfg.Producer,
		objects:    cfg.Objects,
		metrics:    cfg.Metrics,
		opts:       cfg.Options,
	}, nil
}

// Languages lists the registered profiles.
func (s *Service) Languages() []registry.Profile {
	return s.registry.Languages()
}

// Execute runs req to completion and returns exactly one report. It never
// fails: every problem is expressed through the report status.
func (s *Service) Execute(ctx context.Context, req ExecutionRequest) result.Report {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx = logger.WithExecutionID(ctx, req.ID)
	report, err := s.execute(ctx, req, 0)
	if err != nil {
		report = result.FromError(err)
	}
	return s.finish(ctx, req, report)
}

// execute performs the request. A positive slotWait bounds the wait for a
// child-process slot; on expiry it returns ExecutorQueueFull and no report.
func (s *Service) execute(ctx context.Context, req ExecutionRequest, slotWait time.Duration) (result.Report, error) {
	if err := req.Validate(); err != nil {
		return result.FromError(err), nil
	}
	profile, err := s.registry.Resolve(req.Language)
	if err != nil {
		return result.FromError(err), nil
	}

	source, err := s.fetcher.Fetch(ctx, req.Source)
	if err != nil {
		logger.Warn(ctx, "fetch source failed", zap.Error(err))
		return result.FromError(err), nil
	}

	ws, err := s.workspaces.Acquire(ctx)
	if err != nil {
		logger.Error(ctx, "acquire workspace failed", zap.Error(err))
		return result.FromError(err), nil
	}
	defer s.releaseWorkspace(ctx, ws)

	if _, err := ws.WriteFile(profile.SourceFile, source); err != nil {
		return result.FromError(err), nil
	}
	args, err := profile.BuildCommand()
	if err != nil {
		return result.FromError(appErr.Wrap(err, appErr.ExecutorSystemError)), nil
	}
	runSpec := spec.RunSpec{
		ID:      req.ID,
		WorkDir: ws.Root,
		Args:    args,
		Env:     profile.Env,
		Stdin:   []byte(req.Stdin),
		Limits:  profile.EffectiveLimits(req.Limits),
	}

	if len(req.TestCases) == 0 {
		return s.runOnce(ctx, profile.ID, runSpec, slotWait)
	}
	return s.runTestCases(ctx, profile.ID, runSpec, req.TestCases, slotWait)
}

func (s *Service) runOnce(ctx context.Context, language string, runSpec spec.RunSpec, slotWait time.Duration) (result.Report, error) {
	if err := s.acquireSlot(ctx, slotWait); err != nil {
		if appErr.Is(err, appErr.ExecutorQueueFull) {
			return result.Report{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return deadlineReport(), nil
		}
		return result.FromError(appErr.Wrapf(err, appErr.ExecutorSystemError, "execution canceled")), nil
	}
	defer s.slots.Release()

	s.metrics.RunStarted(ctx, language)
	outcome, err := s.runner.Run(ctx, runSpec)
	s.metrics.RunFinished(ctx, language)
	if err != nil {
		logger.Error(ctx, "invalid run spec", zap.Error(err))
		return result.FromError(appErr.Wrap(err, appErr.ExecutorSystemError)), nil
	}
	if outcome.State == result.StateSpawnFailed {
		logger.Warn(ctx, "spawn failed", zap.String("error", outcome.InternalError), zap.Strings("args", runSpec.Args))
	}
	return result.Summarize(outcome), nil
}

// runTestCases runs the program once per case in the same workspace and
// stops at the first case that does not pass.
func (s *Service) runTestCases(ctx context.Context, language string, runSpec spec.RunSpec, cases []TestCase, slotWait time.Duration) (result.Report, error) {
	var last result.Report
	var total int64
	for i, tc := range cases {
		runSpec.Stdin = []byte(tc.Input)
		report, err := s.runOnce(ctx, language, runSpec, slotWait)
		if err != nil {
			return result.Report{}, err
		}
		total += report.DurationMs
		report.DurationMs = total

		switch report.Status {
		case result.StatusOK:
			expected := strings.TrimSpace(tc.Expected)
			actual := strings.TrimSpace(report.Stdout)
			if actual != expected {
				report.Status = result.StatusRuntimeError
				report.FailedTest = i + 1
				report.Stderr = testFailure(i+1, tc.Input, expected, actual)
				return report, nil
			}
		case result.StatusRuntimeError:
			report.FailedTest = i + 1
			report.Stderr = testFailure(i+1, tc.Input, strings.TrimSpace(tc.Expected), strings.TrimSpace(report.Stdout)) + "\n" + report.Stderr
			return report, nil
		default:
			report.FailedTest = i + 1
			return report, nil
		}
		last = report
	}
	return last, nil
}

// deadlineReport describes a request whose overall deadline passed before
// its run could start.
func deadlineReport() result.Report {
	return result.Report{
		Status: result.StatusTimeout,
		Error:  "execution deadline exceeded before run started",
	}
}

func testFailure(n int, input, expected, actual string) string {
	return fmt.Sprintf("Test #%d failed\nInput: %q\nExpected: %q\nGot: %q", n, input, expected, actual)
}

// acquireSlot blocks on ctx when wait is zero, otherwise gives up after wait.
func (s *Service) acquireSlot(ctx context.Context, wait time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	waitCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	err := s.slots.Acquire(waitCtx)
	s.metrics.ObservePoolWait(ctx, time.Since(start), err == nil)
	if err == nil {
		return nil
	}
	if wait > 0 && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return appErr.New(appErr.ExecutorQueueFull).WithMessage("executor pool is full")
	}
	return err
}

func (s *Service) releaseWorkspace(ctx context.Context, ws *workspace.Workspace) {
	if err := s.workspaces.Release(context.WithoutCancel(ctx), ws); err != nil {
		logger.Warn(ctx, "release workspace failed", zap.String("workspace", ws.ID), zap.Error(err))
	}
}

// finish stamps the report, records metrics and persists it.
func (s *Service) finish(ctx context.Context, req ExecutionRequest, report result.Report) result.Report {
	report.ID = req.ID
	report.Language = req.Language
	report.FinishedAt = time.Now().Unix()

	s.metrics.ObserveExecution(ctx, req.Language, string(report.Status), time.Duration(report.DurationMs)*time.Millisecond, report.MemoryKB)
	if report.Truncated.Stdout {
		s.metrics.ObserveTruncation(ctx, req.Language, "stdout")
	}
	if report.Truncated.Stderr {
		s.metrics.ObserveTruncation(ctx, req.Language, "stderr")
	}
	logger.Info(ctx, "execution finished",
		zap.String("language", req.Language),
		zap.String("status", string(report.Status)),
		zap.Int64("duration_ms", report.DurationMs),
	)
	s.persist(ctx, report)
	return report
}

func (s *Service) persist(ctx context.Context, report result.Report) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
	defer cancel()
	if s.results != nil {
		if err := s.results.Save(ctx, report); err != nil {
			logger.Warn(ctx, "save report failed", zap.Error(err))
		}
	}
	if s.history != nil {
		if err := s.history.Record(ctx, report); err != nil {
			logger.Warn(ctx, "record history failed", zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishResult(ctx, report); err != nil {
			logger.Warn(ctx, "publish result failed", zap.Error(err))
		}
	}
}
