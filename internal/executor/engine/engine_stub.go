//go:build !unix

package engine

import (
	"context"

	"execbox/internal/executor/result"
	"execbox/internal/executor/spec"
)

type stubRunner struct{}

func newRunner(cfg Config) (Runner, error) {
	return &stubRunner{}, nil
}

func (s *stubRunner) Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.Outcome{}, err
	}
	return result.Outcome{
		State:         result.StateSpawnFailed,
		InternalError: "process runner is only supported on unix hosts",
	}, nil
}
