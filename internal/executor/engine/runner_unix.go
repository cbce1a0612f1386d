//go:build unix

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"execbox/internal/executor/result"
	"execbox/internal/executor/spec"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// waitDelayPadding bounds how long Wait keeps draining pipes held open by
// stray descendants after the child itself exited.
const waitDelayPadding = 500 * time.Millisecond

type processRunner struct {
	cfg Config
}

func newRunner(cfg Config) (Runner, error) {
	if err := checkPlatform(cfg); err != nil {
		return nil, err
	}
	return &processRunner{cfg: cfg}, nil
}

func (r *processRunner) Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.Outcome{}, err
	}
	limits := r.cfg.effectiveLimits(runSpec.Limits)
	m := newMachine()
	if err := m.advance(result.StateSpawning); err != nil {
		return result.Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = m.advance(result.StateTimedOut)
			return result.Outcome{State: m.current(), TimedOut: true}, nil
		}
		return spawnFailed(m, fmt.Errorf("canceled before start: %w", err)), nil
	}

	l, err := r.prepare(runSpec, limits)
	if err != nil {
		return spawnFailed(m, err), nil
	}
	defer l.cleanup()

	stdout := newCappedBuffer(limits.MaxOutputBytes)
	stderr := newCappedBuffer(limits.MaxOutputBytes)
	cmd := l.cmd
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.cfg.KillGrace + waitDelayPadding
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnFailed(m, fmt.Errorf("stdin pipe: %w", err)), nil
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		l.closeParentFiles()
		return spawnFailed(m, fmt.Errorf("start process: %w", err)), nil
	}
	pid := cmd.Process.Pid

	var timedOut, canceled atomic.Bool
	done := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		timer := time.NewTimer(time.Duration(limits.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			timedOut.Store(true)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timedOut.Store(true)
			} else {
				canceled.Store(true)
			}
		}
		r.terminate(pid, l, done)
	}()

	if err := l.started(pid, limits); err != nil {
		_ = stdin.Close()
		l.kill(pid)
		_ = cmd.Wait()
		close(done)
		<-watchDone
		out := spawnFailed(m, err)
		out.Stderr = stderr.Bytes()
		return out, nil
	}
	if err := m.advance(result.StateRunning); err != nil {
		return result.Outcome{}, err
	}

	go feedStdin(stdin, runSpec.Stdin)

	waitErr := cmd.Wait()
	close(done)
	<-watchDone
	l.kill(pid)

	out := result.Outcome{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        time.Since(start),
		MemoryPeakKB:    l.memoryPeakKB(cmd.ProcessState),
		OOMKilled:       l.oomKilled(),
	}

	state := cmd.ProcessState
	var next result.State
	switch {
	case timedOut.Load():
		next = result.StateTimedOut
		out.TimedOut = true
	case canceled.Load():
		next = result.StateSignaled
		out.InternalError = fmt.Sprintf("execution canceled: %v", ctx.Err())
	case state == nil:
		next = result.StateCompleted
		out.InternalError = fmt.Sprintf("wait: %v", waitErr)
	default:
		if sig, ok := signalOf(state); ok {
			next = result.StateSignaled
			out.Signal = sig
		} else {
			next = result.StateCompleted
			code := state.ExitCode()
			out.ExitCode = &code
		}
	}
	if err := m.advance(next); err != nil {
		return result.Outcome{}, err
	}
	out.State = m.current()

	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn(ctx, "child left output pipes open after exit", zap.String("execution_id", runSpec.ID))
	}
	return out, nil
}

// terminate asks the process group to stop and escalates to SIGKILL when it
// does not exit within the grace period.
func (r *processRunner) terminate(pid int, l *launch, done <-chan struct{}) {
	_ = signalGroup(pid, syscall.SIGTERM)
	grace := time.NewTimer(r.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		l.kill(pid)
	}
}

func spawnFailed(m *machine, err error) result.Outcome {
	_ = m.advance(result.StateSpawnFailed)
	return result.Outcome{
		State:         m.current(),
		InternalError: err.Error(),
	}
}

func feedStdin(w io.WriteCloser, data []byte) {
	defer w.Close()
	if len(data) == 0 {
		return
	}
	// A child that exits without reading makes this fail with EPIPE.
	_, _ = w.Write(data)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func signalOf(state *os.ProcessState) (string, bool) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return "", false
	}
	name := unix.SignalName(ws.Signal())
	if name == "" {
		name = fmt.Sprintf("signal %d", int(ws.Signal()))
	}
	return name, true
}
