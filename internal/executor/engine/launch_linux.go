//go:build linux

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"execbox/internal/executor/spec"

	"golang.org/x/sys/unix"
)

// launch owns the per-run resources around one *exec.Cmd.
type launch struct {
	cmd *exec.Cmd
	cg  *runCgroup

	// sandbox mode only
	initReq      *initRequest
	initWriter   *os.File
	statusReader *os.File
	parentFiles  []*os.File
}

func checkPlatform(cfg Config) error {
	return nil
}

func (r *processRunner) prepare(runSpec spec.RunSpec, limits spec.Limits) (*launch, error) {
	l := &launch{}
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	if r.cfg.EnableCgroup {
		cg, err := newRunCgroup(r.cfg.CgroupRoot, runSpec.ID, limits)
		if err != nil {
			return nil, fmt.Errorf("run cgroup: %w", err)
		}
		l.cg = cg
		attr.UseCgroupFD = true
		attr.CgroupFD = cg.fd()
	}

	env := withDefaultPath(runSpec.Env)
	if !r.cfg.sandboxed() {
		cmd := exec.Command(runSpec.Args[0], runSpec.Args[1:]...)
		cmd.Dir = runSpec.WorkDir
		cmd.Env = env
		cmd.SysProcAttr = attr
		l.cmd = cmd
		return l, nil
	}

	if r.cfg.EnableNamespaces {
		applyNamespaces(attr, r.cfg.DisableNetwork)
	}
	req := &initRequest{
		WorkDir:        runSpec.WorkDir,
		Args:           runSpec.Args,
		Env:            env,
		BindMounts:     runSpec.BindMounts,
		Limits:         limits,
		SeccompProfile: r.cfg.SeccompProfile,
		EnableSeccomp:  r.cfg.EnableSeccomp,
		EnableNs:       r.cfg.EnableNamespaces,
	}
	if r.cfg.RootFS != "" {
		req.RootFS = r.cfg.RootFS
		req.BindMounts = append(append([]spec.MountSpec(nil), runSpec.BindMounts...), spec.MountSpec{
			Source: runSpec.WorkDir,
			Target: sandboxWorkDir,
		})
		req.WorkDir = sandboxWorkDir
	}

	initR, initW, err := os.Pipe()
	if err != nil {
		l.cleanup()
		return nil, fmt.Errorf("init pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		_ = initR.Close()
		_ = initW.Close()
		l.cleanup()
		return nil, fmt.Errorf("status pipe: %w", err)
	}

	cmd := exec.Command(r.cfg.HelperPath)
	cmd.Dir = runSpec.WorkDir
	cmd.Env = []string{defaultPath}
	cmd.ExtraFiles = []*os.File{initR, statusW}
	cmd.SysProcAttr = attr

	l.cmd = cmd
	l.initReq = req
	l.initWriter = initW
	l.statusReader = statusR
	l.parentFiles = []*os.File{initR, statusW}
	return l, nil
}

// started runs right after Start. In sandbox mode it hands the init request
// to the helper and blocks until the helper either execs the target (the
// close-on-exec status pipe reads EOF) or reports why it could not.
func (l *launch) started(pid int, limits spec.Limits) error {
	l.closeParentFiles()
	if l.initReq == nil {
		applyPrlimits(pid, limits)
		return nil
	}

	encErr := json.NewEncoder(l.initWriter).Encode(l.initReq)
	_ = l.initWriter.Close()
	l.initWriter = nil

	msg, readErr := io.ReadAll(l.statusReader)
	_ = l.statusReader.Close()
	l.statusReader = nil
	if len(msg) > 0 {
		return errors.New(strings.TrimSpace(string(msg)))
	}
	if encErr != nil {
		return fmt.Errorf("send init request: %w", encErr)
	}
	if readErr != nil {
		return fmt.Errorf("read helper status: %w", readErr)
	}
	return nil
}

func (l *launch) closeParentFiles() {
	for _, f := range l.parentFiles {
		_ = f.Close()
	}
	l.parentFiles = nil
}

func (l *launch) kill(pid int) {
	_ = signalGroup(pid, syscall.SIGKILL)
	l.cg.kill()
}

func (l *launch) memoryPeakKB(state *os.ProcessState) int64 {
	return l.cg.peakKB(state)
}

func (l *launch) oomKilled() bool {
	return l.cg.oomKilled()
}

func (l *launch) cleanup() {
	l.closeParentFiles()
	for _, f := range []*os.File{l.initWriter, l.statusReader} {
		if f != nil {
			_ = f.Close()
		}
	}
	l.initWriter, l.statusReader = nil, nil
	l.cg.remove()
	l.cg = nil
}

// applyPrlimits caps a directly spawned child right after start. There is a
// short window before the limits land, which sandbox mode does not have.
func applyPrlimits(pid int, limits spec.Limits) {
	if limits.MaxMemoryBytes > 0 {
		v := uint64(limits.MaxMemoryBytes)
		_ = unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: v, Max: v}, nil)
	}
	if limits.CPUTimeMs > 0 {
		v := uint64((limits.CPUTimeMs + 999) / 1000)
		_ = unix.Prlimit(pid, unix.RLIMIT_CPU, &unix.Rlimit{Cur: v, Max: v + 1}, nil)
	}
	if limits.MaxFileBytes > 0 {
		v := uint64(limits.MaxFileBytes)
		_ = unix.Prlimit(pid, unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: v, Max: v}, nil)
	}
}

func applyNamespaces(attr *syscall.SysProcAttr, disableNetwork bool) {
	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if disableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
}
