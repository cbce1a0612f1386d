// Package result defines raw run outcomes and the caller-facing report.
package result

import "time"

// State is a runner lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateSpawning    State = "spawning"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateTimedOut    State = "timed_out"
	StateSignaled    State = "signaled"
	StateSpawnFailed State = "spawn_failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateSignaled, StateSpawnFailed:
		return true
	}
	return false
}

// Outcome captures raw data about one finished child process.
// Exactly one of ExitCode, Signal, TimedOut and InternalError is set.
type Outcome struct {
	State           State
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        *int
	Signal          string
	TimedOut        bool
	OOMKilled       bool
	InternalError   string
	Duration        time.Duration
	MemoryPeakKB    int64
}
