package result

import (
	"fmt"

	pkgerrors "execbox/pkg/errors"
)

// Status is the single outcome class reported to callers.
type Status string

const (
	StatusOK              Status = "ok"
	StatusRuntimeError    Status = "runtime_error"
	StatusTimeout         Status = "timeout"
	StatusInternalError   Status = "internal_error"
	StatusUnknownLanguage Status = "unknown_language"
	StatusFetchError      Status = "fetch_error"

	// StatusPending marks an accepted async request with no report yet.
	// Summarize never produces it.
	StatusPending Status = "pending"
)

// Valid reports whether s is a terminal status.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusRuntimeError, StatusTimeout, StatusInternalError, StatusUnknownLanguage, StatusFetchError:
		return true
	}
	return false
}

// Truncation records which streams lost bytes to the output ceiling.
type Truncation struct {
	Stdout bool `json:"stdout"`
	Stderr bool `json:"stderr"`
}

// Report is the language-independent result of one execution request.
type Report struct {
	ID         string     `json:"id,omitempty"`
	Language   string     `json:"language,omitempty"`
	Status     Status     `json:"status"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	Signal     string     `json:"signal,omitempty"`
	Truncated  Truncation `json:"truncated"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
	MemoryKB   int64      `json:"memoryKb,omitempty"`
	FailedTest int        `json:"failedTest,omitempty"`
	FinishedAt int64      `json:"finishedAt,omitempty"`
}

// Summarize maps a run outcome to a report. It has no side effects.
func Summarize(o Outcome) Report {
	r := Report{
		Stdout:     string(o.Stdout),
		Stderr:     string(o.Stderr),
		Truncated:  Truncation{Stdout: o.StdoutTruncated, Stderr: o.StderrTruncated},
		DurationMs: o.Duration.Milliseconds(),
		MemoryKB:   o.MemoryPeakKB,
	}
	switch {
	case o.State == StateSpawnFailed || o.InternalError != "":
		r.Status = StatusInternalError
		r.Error = o.InternalError
		if r.Error == "" {
			r.Error = "process failed to start"
		}
	case o.TimedOut || o.State == StateTimedOut:
		r.Status = StatusTimeout
		r.Error = pkgerrors.TimeLimitExceeded.Message()
	case o.Signal != "":
		r.Status = StatusRuntimeError
		r.Signal = o.Signal
		if o.OOMKilled {
			r.Error = pkgerrors.MemoryLimitExceeded.Message()
		} else {
			r.Error = fmt.Sprintf("terminated by %s", o.Signal)
		}
	case o.ExitCode == nil:
		r.Status = StatusInternalError
		r.Error = "process finished without exit status"
	case *o.ExitCode != 0:
		code := *o.ExitCode
		r.Status = StatusRuntimeError
		r.ExitCode = &code
		if o.OOMKilled {
			r.Error = pkgerrors.MemoryLimitExceeded.Message()
		}
	default:
		code := 0
		r.Status = StatusOK
		r.ExitCode = &code
	}
	return r
}

// FromError maps a failure that happened before or around the run.
func FromError(err error) Report {
	r := Report{Status: StatusInternalError}
	if err == nil {
		r.Error = "unknown failure"
		return r
	}
	r.Error = err.Error()
	switch pkgerrors.GetCode(err) {
	case pkgerrors.LanguageNotSupported:
		r.Status = StatusUnknownLanguage
	case pkgerrors.FetchFailed, pkgerrors.CodeTooLarge:
		r.Status = StatusFetchError
		if kind, ok := pkgerrors.Detail(err, "kind"); ok {
			r.Error = fmt.Sprintf("%v: %s", kind, err.Error())
		}
	}
	return r
}
