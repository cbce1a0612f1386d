package service

import (
	"context"
	"strings"
	"time"

	"execbox/internal/common/mq"
	"execbox/internal/executor/fetcher"
	"execbox/internal/executor/registry"
	"execbox/internal/executor/result"
	"execbox/internal/executor/spec"
	"execbox/internal/executor/workspace"
	appErr "execbox/pkg/errors"
	pkgrepo "execbox/pkg/repository"
)

const maxTestCases = 64

// TestCase pairs one stdin payload with the stdout it must produce.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// ExecutionRequest is one unit of work. It is not modified after acceptance.
type ExecutionRequest struct {
	ID        string            `json:"id,omitempty"`
	Language  string            `json:"language"`
	Source    fetcher.SourceRef `json:"source"`
	Stdin     string            `json:"stdin,omitempty"`
	Limits    spec.Limits       `json:"limits"`
	TestCases []TestCase        `json:"testCases,omitempty"`
}

// Validate checks request shape. Language support is checked by the registry.
func (r ExecutionRequest) Validate() error {
	if strings.TrimSpace(r.Language) == "" {
		return appErr.ValidationError("language", "required")
	}
	if err := r.Source.Validate(); err != nil {
		return err
	}
	if r.Limits.TimeoutMs < 0 || r.Limits.MaxOutputBytes < 0 || r.Limits.MaxMemoryBytes < 0 {
		return appErr.ValidationError("limits", "must not be negative")
	}
	if len(r.TestCases) > maxTestCases {
		return appErr.ValidationError("testCases", "too many test cases")
	}
	return nil
}

// SourceFetcher retrieves source bytes.
type SourceFetcher interface {
	Fetch(ctx context.Context, ref fetcher.SourceRef) ([]byte, error)
}

// WorkspaceManager hands out per-request directories.
type WorkspaceManager interface {
	Acquire(ctx context.Context) (*workspace.Workspace, error)
	Release(ctx context.Context, ws *workspace.Workspace) error
}

// ProfileResolver looks up language profiles.
type ProfileResolver interface {
	Resolve(language string) (registry.Profile, error)
	Languages() []registry.Profile
}

// ResultStore keeps reports for later lookup.
type ResultStore interface {
	MarkPending(ctx context.Context, id, language string) error
	Save(ctx context.Context, report result.Report) error
	Get(ctx context.Context, id string) (result.Report, error)
	Claim(ctx context.Context, id string, hold time.Duration) (release func(), ok bool, err error)
	Done(ctx context.Context, id string) (bool, error)
}

// HistoryStore is the durable execution log.
type HistoryStore interface {
	Record(ctx context.Context, report result.Report) error
	Get(ctx context.Context, id string) (result.Report, error)
	List(ctx context.Context, opts pkgrepo.ListOptions) (pkgrepo.Page[result.Report], error)
}

// HistoryQuery filters the execution log.
type HistoryQuery struct {
	Language string `form:"language"`
	Status   string `form:"status"`
	Since    int64  `form:"since"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// Topics names the queues used for async execution.
type Topics struct {
	Jobs       string `yaml:"jobs"`
	Results    string `yaml:"results"`
	DeadLetter string `yaml:"deadLetter"`
}

// Options tunes the service. Zero values fall back to defaults.
type Options struct {
	PoolWaitTimeout time.Duration      `yaml:"poolWaitTimeout"`
	ClaimHold       time.Duration      `yaml:"claimHold"`
	PersistTimeout  time.Duration      `yaml:"persistTimeout"`
	InlineParkBytes int64              `yaml:"inlineParkBytes"`
	SourceBucket    string             `yaml:"sourceBucket"`
	Topics          Topics             `yaml:"topics"`
	PoolRetry       mq.PoolRetryConfig `yaml:"poolRetry"`
}

func (o *Options) setDefaults() {
	if o.PoolWaitTimeout <= 0 {
		o.PoolWaitTimeout = 2 * time.Second
	}
	if o.ClaimHold <= 0 {
		o.ClaimHold = 2 * time.Minute
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 3 * time.Second
	}
	if o.InlineParkBytes <= 0 {
		o.InlineParkBytes = 256 * 1024
	}
	if o.PoolRetry.MaxRetries <= 0 {
		o.PoolRetry.MaxRetries = 5
	}
}
