// Package observer defines metrics hooks for execution requests.
package observer

import (
	"context"
	"time"
)

// MetricsRecorder records execution metrics.
type MetricsRecorder interface {
	ObserveExecution(ctx context.Context, language, status string, duration time.Duration, memoryKB int64)
	ObserveTruncation(ctx context.Context, language, stream string)
	ObservePoolWait(ctx context.Context, wait time.Duration, acquired bool)
	RunStarted(ctx context.Context, language string)
	RunFinished(ctx context.Context, language string)
}

// NoopMetricsRecorder is a no-op metrics recorder.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveExecution(context.Context, string, string, time.Duration, int64) {}
func (NoopMetricsRecorder) ObserveTruncation(context.Context, string, string)                     {}
func (NoopMetricsRecorder) ObservePoolWait(context.Context, time.Duration, bool)                  {}
func (NoopMetricsRecorder) RunStarted(context.Context, string)                                    {}
func (NoopMetricsRecorder) RunFinished(context.Context, string)                                   {}
