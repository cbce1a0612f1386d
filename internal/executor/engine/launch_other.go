//go:build unix && !linux

package engine

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"execbox/internal/executor/spec"
)

type launch struct {
	cmd *exec.Cmd
}

func checkPlatform(cfg Config) error {
	if cfg.sandboxed() || cfg.EnableCgroup || cfg.EnableNamespaces {
		return fmt.Errorf("sandbox isolation is only supported on linux")
	}
	return nil
}

func (r *processRunner) prepare(runSpec spec.RunSpec, limits spec.Limits) (*launch, error) {
	cmd := exec.Command(runSpec.Args[0], runSpec.Args[1:]...)
	cmd.Dir = runSpec.WorkDir
	cmd.Env = withDefaultPath(runSpec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return &launch{cmd: cmd}, nil
}

func (l *launch) started(pid int, limits spec.Limits) error { return nil }

func (l *launch) closeParentFiles() {}

func (l *launch) kill(pid int) {
	_ = signalGroup(pid, syscall.SIGKILL)
}

func (l *launch) memoryPeakKB(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss / 1024
	}
	return 0
}

func (l *launch) oomKilled() bool { return false }

func (l *launch) cleanup() {}
