//go:build linux

package engine

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"execbox/internal/executor/spec"
)

// runCgroup is a cgroup v2 leaf created for one run. The child is placed in
// it at clone time through CLONE_INTO_CGROUP.
type runCgroup struct {
	path string
	dir  *os.File
}

func newRunCgroup(root, runID string, limits spec.Limits) (*runCgroup, error) {
	if root == "" {
		return nil, errors.New("cgroup root is required")
	}
	if runID == "" {
		runID = "run"
	}
	path := filepath.Join(root, runID+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, err
	}
	cg := &runCgroup{path: path}
	if err := cg.limit(limits); err != nil {
		cg.remove()
		return nil, err
	}
	dir, err := os.Open(path)
	if err != nil {
		cg.remove()
		return nil, err
	}
	cg.dir = dir
	return cg, nil
}

func (cg *runCgroup) fd() int { return int(cg.dir.Fd()) }

func (cg *runCgroup) limit(l spec.Limits) error {
	pids := "max"
	if l.MaxProcs > 0 {
		pids = strconv.FormatInt(l.MaxProcs, 10)
	}
	if err := cg.write("pids.max", pids); err != nil {
		return err
	}
	if l.MaxMemoryBytes <= 0 {
		return nil
	}
	if err := cg.write("memory.max", strconv.FormatInt(l.MaxMemoryBytes, 10)); err != nil {
		return err
	}
	// swap would turn an OOM kill into a slow crawl; not every host exposes it
	_ = cg.write("memory.swap.max", "0")
	return nil
}

// kill SIGKILLs every member, including ones that left the process group.
func (cg *runCgroup) kill() {
	if cg != nil {
		_ = cg.write("cgroup.kill", "1")
	}
}

func (cg *runCgroup) oomKilled() bool {
	if cg == nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cg.path, "memory.events"))
	if err != nil {
		return false
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if v, ok := bytes.CutPrefix(sc.Bytes(), []byte("oom_kill ")); ok {
			n, _ := strconv.ParseInt(string(v), 10, 64)
			return n > 0
		}
	}
	return false
}

// peakKB prefers memory.peak and falls back to the child's max RSS.
func (cg *runCgroup) peakKB(state *os.ProcessState) int64 {
	if cg != nil {
		data, err := os.ReadFile(filepath.Join(cg.path, "memory.peak"))
		if err == nil {
			if n, err := strconv.ParseInt(string(bytes.TrimSpace(data)), 10, 64); err == nil && n > 0 {
				return n / 1024
			}
		}
	}
	if state == nil {
		return 0
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		return ru.Maxrss
	}
	return 0
}

// remove closes the directory handle and deletes the leaf. rmdir keeps
// failing with EBUSY until the kernel has reaped every member.
func (cg *runCgroup) remove() {
	if cg == nil {
		return
	}
	if cg.dir != nil {
		_ = cg.dir.Close()
		cg.dir = nil
	}
	for attempt := 0; attempt < 10; attempt++ {
		err := os.Remove(cg.path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (cg *runCgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(cg.path, file), []byte(value), 0o640); err != nil {
		return fmt.Errorf("cgroup %s: %w", file, err)
	}
	return nil
}
