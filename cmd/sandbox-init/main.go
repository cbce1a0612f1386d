//go:build linux

// Command sandbox-init prepares the sandbox from inside the new namespaces and
// then execs the target program. The parent passes a JSON init request on
// fd 3 and reads setup failures from fd 4, which closes on a successful exec.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"execbox/internal/executor/spec"

	"golang.org/x/sys/unix"
)

const (
	initFD   = 3
	statusFD = 4

	setupFailedExit = 125
	sandboxHostname = "execbox"
)

type initRequest struct {
	WorkDir        string           `json:"workDir"`
	Args           []string         `json:"args"`
	Env            []string         `json:"env"`
	RootFS         string           `json:"rootFS,omitempty"`
	BindMounts     []spec.MountSpec `json:"bindMounts,omitempty"`
	Limits         spec.Limits      `json:"limits"`
	SeccompProfile string           `json:"seccompProfile,omitempty"`
	EnableSeccomp  bool             `json:"enableSeccomp"`
	EnableNs       bool             `json:"enableNs"`
}

func main() {
	unix.CloseOnExec(statusFD)
	err := setupAndExec()
	// only reached when setup failed or exec returned
	status := os.NewFile(statusFD, "status")
	if _, werr := fmt.Fprintf(status, "sandbox-init: %v", err); werr != nil {
		fmt.Fprintf(os.Stderr, "sandbox-init: %v\n", err)
	}
	os.Exit(setupFailedExit)
}

func setupAndExec() error {
	req, err := readRequest(os.NewFile(initFD, "init"))
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	var sc *seccompFilter
	if req.EnableSeccomp && req.SeccompProfile != "" {
		// the profile lives on the host, so it is read before any chroot
		if sc, err = loadSeccompProfile(req.SeccompProfile); err != nil {
			return err
		}
		defer sc.release()
	}

	if err := isolateFilesystem(req); err != nil {
		return err
	}
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("enter %s: %w", req.WorkDir, err)
	}
	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	bin, err := lookPath(req.Args[0], req.Env)
	if err != nil {
		return err
	}
	if err := sc.install(); err != nil {
		return err
	}
	return execve(bin, req.Args, req.Env)
}

// execve only returns on failure.
func execve(bin string, args, env []string) error {
	if err := unix.Exec(bin, args, env); err != nil {
		return fmt.Errorf("exec %s: %w", bin, err)
	}
	return nil
}

func readRequest(f *os.File) (initRequest, error) {
	var req initRequest
	if f == nil {
		return req, errors.New("no init request on fd 3")
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&req); err != nil {
		return req, fmt.Errorf("init request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	switch {
	case len(req.Args) == 0 || req.Args[0] == "":
		return errors.New("init request has no command")
	case req.WorkDir == "":
		return errors.New("init request has no work dir")
	case !req.EnableNs && (req.RootFS != "" || len(req.BindMounts) > 0):
		return errors.New("rootfs and bind mounts need namespaces")
	}
	return nil
}

// lookPath resolves name with the target's own PATH, after any chroot.
func lookPath(name string, env []string) (string, error) {
	if strings.ContainsRune(name, '/') {
		return name, nil
	}
	for i := len(env) - 1; i >= 0; i-- {
		if dirs, ok := strings.CutPrefix(env[i], "PATH="); ok {
			if err := os.Setenv("PATH", dirs); err != nil {
				return "", err
			}
			break
		}
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("command %q: %w", name, err)
	}
	return bin, nil
}
