package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/common/mq"
	"execbox/internal/executor/fetcher"
	"execbox/internal/executor/registry"
	"execbox/internal/executor/repository"
	"execbox/internal/executor/result"
	"execbox/internal/executor/service"
	"execbox/internal/executor/spec"
	"execbox/internal/executor/workspace"
	appErr "execbox/pkg/errors"
	pkgrepo "execbox/pkg/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type runFunc func(ctx context.Context, runSpec spec.RunSpec) result.Outcome

type fakeRunner struct {
	calls atomic.Int32
	fn    runFunc
}

func (r *fakeRunner) Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error) {
	r.calls.Add(1)
	return r.fn(ctx, runSpec), nil
}

type countingFetcher struct {
	calls atomic.Int32
	inner service.SourceFetcher
}

func (f *countingFetcher) Fetch(ctx context.Context, ref fetcher.SourceRef) ([]byte, error) {
	f.calls.Add(1)
	return f.inner.Fetch(ctx, ref)
}

type countingWorkspaces struct {
	acquires atomic.Int32
	*workspace.Manager
}

func (w *countingWorkspaces) Acquire(ctx context.Context) (*workspace.Workspace, error) {
	w.acquires.Add(1)
	return w.Manager.Acquire(ctx)
}

type recordingProducer struct {
	mu       sync.Mutex
	messages map[string][]*mq.Message
	err      error
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, msg *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][]*mq.Message)
	}
	p.messages[topic] = append(p.messages[topic], msg)
	return nil
}

func (p *recordingProducer) on(topic string) []*mq.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*mq.Message(nil), p.messages[topic]...)
}

type fakeHistory struct {
	mu      sync.Mutex
	reports map[string]result.Report
	lastOpt pkgrepo.ListOptions
}

func (h *fakeHistory) Record(ctx context.Context, report result.Report) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reports == nil {
		h.reports = make(map[string]result.Report)
	}
	h.reports[report.ID] = report
	return nil
}

func (h *fakeHistory) Get(ctx context.Context, id string) (result.Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	report, ok := h.reports[id]
	if !ok {
		return result.Report{}, appErr.New(appErr.ExecutionNotFound)
	}
	return report, nil
}

func (h *fakeHistory) List(ctx context.Context, opts pkgrepo.ListOptions) (pkgrepo.Page[result.Report], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastOpt = opts
	items := make([]result.Report, 0, len(h.reports))
	for _, r := range h.reports {
		items = append(items, r)
	}
	return pkgrepo.NewPage(items, int64(len(items)), opts), nil
}

type harness struct {
	svc        *service.Service
	runner     *fakeRunner
	fetcher    *countingFetcher
	workspaces *countingWorkspaces
	slots      *mq.TokenLimiter
	results    *repository.ResultRepository
	history    *fakeHistory
	producer   *recordingProducer
	redis      *miniredis.Miniredis
}

func newHarness(t *testing.T, fn runFunc, mutate func(*service.Config)) *harness {
	t.Helper()
	reg, err := registry.New([]registry.Profile{
		{ID: "sh", Name: "POSIX shell", SourceFile: "main.sh", Interpreter: "/bin/sh", RunCmdTpl: "{interpreter} {scriptPath}"},
	}, spec.Limits{TimeoutMs: 2000, MaxOutputBytes: 1024})
	if err != nil {
		t.Fatalf("create registry failed: %v", err)
	}
	manager, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("create workspace manager failed: %v", err)
	}
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("create cache failed: %v", err)
	}
	results, err := repository.NewResultRepository(c, time.Hour)
	if err != nil {
		t.Fatalf("create result repository failed: %v", err)
	}

	h := &harness{
		runner:     &fakeRunner{fn: fn},
		fetcher:    &countingFetcher{inner: fetcher.New(fetcher.Config{MaxBytes: 64}, nil, nil)},
		workspaces: &countingWorkspaces{Manager: manager},
		slots:      mq.NewTokenLimiter(2),
		results:    results,
		history:    &fakeHistory{},
		producer:   &recordingProducer{},
		redis:      mr,
	}
	cfg := service.Config{
		Registry:   reg,
		Fetcher:    h.fetcher,
		Workspaces: h.workspaces,
		Runner:     h.runner,
		Slots:      h.slots,
		Results:    h.results,
		History:    h.history,
		Producer:   h.producer,
		Options: service.Options{
			PoolWaitTimeout: 20 * time.Millisecond,
			Topics:          service.Topics{Jobs: "jobs", DeadLetter: "jobs.dlq"},
			PoolRetry:       mq.PoolRetryConfig{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc, err = service.NewService(cfg)
	if err != nil {
		t.Fatalf("create service failed: %v", err)
	}
	return h
}

func (h *harness) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	n, err := h.workspaces.Count()
	if err != nil {
		t.Fatalf("count workspaces failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected workspaces back to baseline, got %d", n)
	}
}

func exited(code int) result.Outcome {
	return result.Outcome{State: result.StateCompleted, ExitCode: &code}
}

func exitWith(code int, stdout string) runFunc {
	return func(ctx context.Context, runSpec spec.RunSpec) result.Outcome {
		o := exited(code)
		o.Stdout = []byte(stdout)
		return o
	}
}

func inline(language, src string) service.ExecutionRequest {
	return service.ExecutionRequest{Language: language, Source: fetcher.SourceRef{Inline: src}}
}

func TestExecuteStatuses(t *testing.T) {
	tests := []struct {
		name   string
		req    service.ExecutionRequest
		fn     runFunc
		status result.Status
	}{
		{name: "ok", req: inline("sh", "echo hi"), fn: exitWith(0, "hi\n"), status: result.StatusOK},
		{name: "non-zero exit", req: inline("sh", "exit 3"), fn: exitWith(3, ""), status: result.StatusRuntimeError},
		{
			name: "signaled",
			req:  inline("sh", "kill -SEGV $$"),
			fn: func(context.Context, spec.RunSpec) result.Outcome {
				return result.Outcome{State: result.StateSignaled, Signal: "SIGSEGV"}
			},
			status: result.StatusRuntimeError,
		},
		{
			name: "timeout",
			req:  inline("sh", "sleep 10"),
			fn: func(context.Context, spec.RunSpec) result.Outcome {
				return result.Outcome{State: result.StateTimedOut, TimedOut: true}
			},
			status: result.StatusTimeout,
		},
		{
			name: "spawn failed",
			req:  inline("sh", "true"),
			fn: func(context.Context, spec.RunSpec) result.Outcome {
				return result.Outcome{State: result.StateSpawnFailed, InternalError: "exec: not found"}
			},
			status: result.StatusInternalError,
		},
		{name: "too large", req: inline("sh", strings.Repeat("x", 65)), fn: exitWith(0, ""), status: result.StatusFetchError},
		{name: "unknown language", req: inline("cobol", "DISPLAY 'HI'"), fn: exitWith(0, ""), status: result.StatusUnknownLanguage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.fn, nil)
			report := h.svc.Execute(context.Background(), tt.req)
			if report.Status != tt.status {
				t.Fatalf("status = %s, want %s (error %q)", report.Status, tt.status, report.Error)
			}
			if report.ID == "" {
				t.Fatalf("expected generated id")
			}
			h.assertNoWorkspaces(t)
			if h.slots.Available() != h.slots.Capacity() {
				t.Fatalf("slot leaked: %d/%d", h.slots.Available(), h.slots.Capacity())
			}
			stored, err := h.svc.GetResult(context.Background(), report.ID)
			if err != nil {
				t.Fatalf("get result failed: %v", err)
			}
			if stored.Status != tt.status {
				t.Fatalf("stored status = %s", stored.Status)
			}
		})
	}
}

func TestExecuteUnknownLanguageSkipsWork(t *testing.T) {
	h := newHarness(t, exitWith(0, ""), nil)
	report := h.svc.Execute(context.Background(), inline("cobol", "x"))
	if report.Status != result.StatusUnknownLanguage {
		t.Fatalf("status = %s", report.Status)
	}
	if h.fetcher.calls.Load() != 0 || h.workspaces.acquires.Load() != 0 || h.runner.calls.Load() != 0 {
		t.Fatalf("expected no fetch, workspace or run; got %d/%d/%d",
			h.fetcher.calls.Load(), h.workspaces.acquires.Load(), h.runner.calls.Load())
	}
}

func TestExecuteRunSpec(t *testing.T) {
	var got spec.RunSpec
	h := newHarness(t, func(ctx context.Context, runSpec spec.RunSpec) result.Outcome {
		got = runSpec
		return exited(0)
	}, nil)
	req := inline("sh", "cat")
	req.Stdin = "3\n4\n"
	req.Limits = spec.Limits{TimeoutMs: 99999}
	h.svc.Execute(context.Background(), req)

	if strings.Join(got.Args, " ") != "/bin/sh main.sh" {
		t.Fatalf("args = %v", got.Args)
	}
	if string(got.Stdin) != "3\n4\n" {
		t.Fatalf("stdin = %q", got.Stdin)
	}
	if got.Limits.TimeoutMs != 2000 || got.Limits.MaxOutputBytes != 1024 {
		t.Fatalf("limits not clamped: %+v", got.Limits)
	}
	if got.WorkDir == "" || got.ID == "" {
		t.Fatalf("missing work dir or id: %+v", got)
	}
}

func (h *harness) exhaustSlots(t *testing.T) {
	t.Helper()
	for h.slots.Available() > 0 {
		if err := h.slots.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire slot failed: %v", err)
		}
	}
}

func TestExecuteStoppedWhileWaitingForSlot(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func() (context.Context, context.CancelFunc)
		status  result.Status
		message string
	}{
		{
			name: "deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			status:  result.StatusTimeout,
			message: "deadline exceeded",
		},
		{
			name: "canceled",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)
				return ctx, cancel
			},
			status:  result.StatusInternalError,
			message: "execution canceled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, exitWith(0, ""), nil)
			h.exhaustSlots(t)
			ctx, cancel := tt.ctx()
			defer cancel()
			report := h.svc.Execute(ctx, inline("sh", "true"))
			if report.Status != tt.status || !strings.Contains(report.Error, tt.message) {
				t.Fatalf("unexpected report: %+v", report)
			}
			if h.runner.calls.Load() != 0 {
				t.Fatalf("runner should not be called")
			}
			h.assertNoWorkspaces(t)
		})
	}
}

func TestExecuteTestCases(t *testing.T) {
	echo := func(ctx context.Context, runSpec spec.RunSpec) result.Outcome {
		o := exited(0)
		o.Stdout = runSpec.Stdin
		o.Duration = 10 * time.Millisecond
		return o
	}

	t.Run("all pass", func(t *testing.T) {
		h := newHarness(t, echo, nil)
		req := inline("sh", "cat")
		req.TestCases = []service.TestCase{{Input: "a\n", Expected: "a"}, {Input: "b", Expected: " b \n"}}
		report := h.svc.Execute(context.Background(), req)
		if report.Status != result.StatusOK || report.FailedTest != 0 {
			t.Fatalf("unexpected report: %+v", report)
		}
		if report.Stdout != "b" || report.DurationMs != 20 {
			t.Fatalf("expected last case output and summed duration, got %+v", report)
		}
	})

	t.Run("first failure stops", func(t *testing.T) {
		h := newHarness(t, echo, nil)
		req := inline("sh", "cat")
		req.TestCases = []service.TestCase{{Input: "a", Expected: "a"}, {Input: "b", Expected: "c"}, {Input: "d", Expected: "d"}}
		report := h.svc.Execute(context.Background(), req)
		if report.Status != result.StatusRuntimeError || report.FailedTest != 2 {
			t.Fatalf("unexpected report: %+v", report)
		}
		want := "Test #2 failed\nInput: \"b\"\nExpected: \"c\"\nGot: \"b\""
		if report.Stderr != want {
			t.Fatalf("stderr = %q", report.Stderr)
		}
		if h.runner.calls.Load() != 2 {
			t.Fatalf("runner calls = %d", h.runner.calls.Load())
		}
	})

	t.Run("timeout ends loop", func(t *testing.T) {
		h := newHarness(t, func(context.Context, spec.RunSpec) result.Outcome {
			return result.Outcome{State: result.StateTimedOut, TimedOut: true}
		}, nil)
		req := inline("sh", "sleep 5")
		req.TestCases = []service.TestCase{{Input: "a", Expected: "a"}, {Input: "b", Expected: "b"}}
		report := h.svc.Execute(context.Background(), req)
		if report.Status != result.StatusTimeout || report.FailedTest != 1 || h.runner.calls.Load() != 1 {
			t.Fatalf("unexpected report: %+v", report)
		}
	})
}

func TestSubmitAndHandleMessage(t *testing.T) {
	h := newHarness(t, exitWith(0, "done\n"), nil)
	ctx := context.Background()

	id, err := h.svc.Submit(ctx, inline("sh", "echo done"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	pending, err := h.svc.GetResult(ctx, id)
	if err != nil || pending.Status != result.StatusPending {
		t.Fatalf("expected pending report, got %+v, %v", pending, err)
	}

	jobs := h.producer.on("jobs")
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("unexpected published jobs: %+v", jobs)
	}
	if err := h.svc.HandleMessage(ctx, jobs[0]); err != nil {
		t.Fatalf("handle message failed: %v", err)
	}
	final, err := h.svc.GetResult(ctx, id)
	if err != nil || final.Status != result.StatusOK || final.Stdout != "done\n" {
		t.Fatalf("unexpected final report: %+v, %v", final, err)
	}

	if err := h.svc.HandleMessage(ctx, jobs[0]); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if h.runner.calls.Load() != 1 {
		t.Fatalf("redelivered job ran again: %d", h.runner.calls.Load())
	}
}

func TestSubmitRejectsUnknownLanguage(t *testing.T) {
	h := newHarness(t, exitWith(0, ""), nil)
	_, err := h.svc.Submit(context.Background(), inline("cobol", "x"))
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if len(h.producer.on("jobs")) != 0 {
		t.Fatalf("nothing should be published")
	}
}

func TestSubmitPublishFailure(t *testing.T) {
	h := newHarness(t, exitWith(0, ""), nil)
	h.producer.err = errors.New("broker down")
	req := inline("sh", "true")
	req.ID = "e-publish"
	if _, err := h.svc.Submit(context.Background(), req); !appErr.Is(err, appErr.QueuePublishFailed) {
		t.Fatalf("expected QueuePublishFailed, got %v", err)
	}
	report, err := h.svc.GetResult(context.Background(), "e-publish")
	if err != nil || report.Status != result.StatusInternalError {
		t.Fatalf("expected internal_error report, got %+v, %v", report, err)
	}
}

func TestHandleMessagePoolFull(t *testing.T) {
	h := newHarness(t, exitWith(0, ""), nil)
	ctx := context.Background()
	h.exhaustSlots(t)

	id, err := h.svc.Submit(ctx, inline("sh", "true"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	msg := h.producer.on("jobs")[0]
	if err := h.svc.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("handle message failed: %v", err)
	}
	jobs := h.producer.on("jobs")
	if len(jobs) != 2 {
		t.Fatalf("expected requeue, got %d jobs", len(jobs))
	}
	if got := mq.ParsePoolRetryCount(jobs[1]); got != 1 {
		t.Fatalf("retry header = %d", got)
	}
	h.assertNoWorkspaces(t)

	exhausted := jobs[1]
	exhausted.SetHeader(mq.HeaderPoolRetry, "2")
	if err := h.svc.HandleMessage(ctx, exhausted); err != nil {
		t.Fatalf("handle exhausted message failed: %v", err)
	}
	if len(h.producer.on("jobs.dlq")) != 1 {
		t.Fatalf("expected dead-lettered message")
	}
	report, err := h.svc.GetResult(ctx, id)
	if err != nil || report.Status != result.StatusInternalError {
		t.Fatalf("expected internal_error after exhaustion, got %+v, %v", report, err)
	}
	if h.runner.calls.Load() != 0 {
		t.Fatalf("runner should not be called")
	}
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	h := newHarness(t, exitWith(0, ""), nil)
	err := h.svc.HandleMessage(context.Background(), mq.NewMessage("x", []byte("{")))
	if !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}

func TestGetResultFallsBackToHistory(t *testing.T) {
	h := newHarness(t, exitWith(0, "hi\n"), nil)
	ctx := context.Background()
	report := h.svc.Execute(ctx, inline("sh", "echo hi"))

	h.redis.FlushAll()
	got, err := h.svc.GetResult(ctx, report.ID)
	if err != nil || got.Status != result.StatusOK {
		t.Fatalf("expected history fallback, got %+v, %v", got, err)
	}
	if _, err := h.svc.GetResult(ctx, "missing"); !appErr.Is(err, appErr.ExecutionNotFound) {
		t.Fatalf("expected ExecutionNotFound, got %v", err)
	}
}

func TestListHistoryBuildsFilters(t *testing.T) {
	h := newHarness(t, exitWith(0, "hi\n"), nil)
	ctx := context.Background()
	h.svc.Execute(ctx, inline("sh", "echo hi"))

	page, err := h.svc.ListHistory(ctx, service.HistoryQuery{Language: "sh", Status: "ok", Since: 1700000000, Page: 2, PageSize: 10})
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	opts := h.history.lastOpt
	if opts.Offset != 10 || opts.Limit != 10 || !opts.OrderDesc || len(opts.Filters) != 3 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.Filters[2].Field != "since" || opts.Filters[2].Op != pkgrepo.OpGTE {
		t.Fatalf("unexpected since filter: %+v", opts.Filters[2])
	}

	if _, err := h.svc.ListHistory(ctx, service.HistoryQuery{Status: "pending"}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := service.NewService(service.Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
