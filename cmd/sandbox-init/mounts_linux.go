package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"execbox/internal/executor/spec"

	"golang.org/x/sys/unix"
)

// isolateFilesystem runs inside the new mount namespace. Without namespaces it
// is a no-op; validateRequest has already rejected mounts in that case.
func isolateFilesystem(req initRequest) error {
	if !req.EnableNs {
		return nil
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("private mount propagation: %w", err)
	}
	_ = unix.Sethostname([]byte(sandboxHostname))

	for _, m := range req.BindMounts {
		if err := bindMount(req.RootFS, m); err != nil {
			return err
		}
	}
	if req.RootFS == "" {
		return nil
	}
	if err := mountProc(req.RootFS); err != nil {
		return err
	}
	if err := unix.Chroot(req.RootFS); err != nil {
		return fmt.Errorf("chroot %s: %w", req.RootFS, err)
	}
	return nil
}

func bindMount(rootfs string, m spec.MountSpec) error {
	if m.Source == "" || m.Target == "" {
		return fmt.Errorf("bind mount %q -> %q: source and target required", m.Source, m.Target)
	}
	target := filepath.Join(rootfs, m.Target)
	if err := ensureMountTarget(m.Source, target); err != nil {
		return err
	}
	if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s: %w", m.Target, err)
	}
	if !m.ReadOnly {
		return nil
	}
	// MS_RDONLY is ignored on the initial bind and needs a remount
	if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("read-only %s: %w", m.Target, err)
	}
	return nil
}

func mountProc(rootfs string) error {
	proc := filepath.Join(rootfs, "proc")
	if err := os.MkdirAll(proc, 0o755); err != nil {
		return err
	}
	err := unix.Mount("proc", proc, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, "")
	if err != nil && !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("proc: %w", err)
	}
	return nil
}

// ensureMountTarget creates a directory or an empty file at target to match source.
func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("bind source: %w", err)
	}
	if info.IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bind target %s: %w", target, err)
	}
	return f.Close()
}
