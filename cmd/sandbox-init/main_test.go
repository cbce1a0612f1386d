//go:build linux

package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"execbox/internal/executor/spec"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     initRequest
		wantErr bool
	}{
		{name: "ok", req: initRequest{WorkDir: "/work", Args: []string{"python3", "main.py"}}},
		{name: "no command", req: initRequest{WorkDir: "/work"}, wantErr: true},
		{name: "empty command", req: initRequest{WorkDir: "/work", Args: []string{""}}, wantErr: true},
		{name: "no workdir", req: initRequest{Args: []string{"sh"}}, wantErr: true},
		{name: "rootfs without ns", req: initRequest{WorkDir: "/work", Args: []string{"sh"}, RootFS: "/srv/root"}, wantErr: true},
		{name: "rootfs with ns", req: initRequest{WorkDir: "/work", Args: []string{"sh"}, RootFS: "/srv/root", EnableNs: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseSeccompAction(t *testing.T) {
	if a, err := parseSeccompAction("scmp_act_allow", nil); err != nil || a != seccomp.ActAllow {
		t.Fatalf("allow = %v, %v", a, err)
	}
	if a, err := parseSeccompAction("SCMP_ACT_KILL", nil); err != nil || a != seccomp.ActKillProcess {
		t.Fatalf("kill = %v, %v", a, err)
	}
	if a, err := parseSeccompAction("LOG", nil); err != nil || a != seccomp.ActLog {
		t.Fatalf("log = %v, %v", a, err)
	}
	enosys := uint(38)
	want := seccomp.ActErrno.SetReturnCode(38)
	if a, err := parseSeccompAction("SCMP_ACT_ERRNO", &enosys); err != nil || a != want {
		t.Fatalf("errno = %v, %v", a, err)
	}
	if _, err := parseSeccompAction("SCMP_ACT_TRACE", nil); err == nil {
		t.Fatalf("expected unsupported action error")
	}
}

func TestRlimitsFor(t *testing.T) {
	got := rlimitsFor(spec.Limits{CPUTimeMs: 1500, MaxProcs: 8})
	want := map[string]uint64{"core": 0, "cpu": 2, "nproc": 8}
	if len(got) != len(want) {
		t.Fatalf("rlimits = %+v", got)
	}
	for _, r := range got {
		if v, ok := want[r.name]; !ok || v != r.value {
			t.Fatalf("unexpected rlimit %+v", r)
		}
	}
}

func TestLookPath(t *testing.T) {
	if got, err := lookPath("/bin/sh", nil); err != nil || got != "/bin/sh" {
		t.Fatalf("absolute path = %q, %v", got, err)
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "runme")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write binary failed: %v", err)
	}
	t.Setenv("PATH", os.Getenv("PATH"))
	got, err := lookPath("runme", []string{"HOME=/tmp", "PATH=" + dir})
	if err != nil || got != bin {
		t.Fatalf("lookPath = %q, %v", got, err)
	}
	if _, err := lookPath("missing-binary", []string{"PATH=" + dir}); err == nil {
		t.Fatalf("expected resolve error")
	}
}

func TestExecveNamesMissingBinary(t *testing.T) {
	err := execve("/no/such/interp", []string{"/no/such/interp", "main.py"}, nil)
	if err == nil {
		t.Fatalf("exec of a missing binary must fail")
	}
	if !strings.Contains(err.Error(), "/no/such/interp") || !errors.Is(err, unix.ENOENT) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureMountTarget(t *testing.T) {
	dir := t.TempDir()
	srcFile := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(srcFile, []byte("x"), 0644); err != nil {
		t.Fatalf("write source failed: %v", err)
	}
	fileTarget := filepath.Join(dir, "root", "etc", "src.txt")
	if err := ensureMountTarget(srcFile, fileTarget); err != nil {
		t.Fatalf("file target: %v", err)
	}
	if info, err := os.Stat(fileTarget); err != nil || info.IsDir() {
		t.Fatalf("expected file target, got %v, %v", info, err)
	}
	dirTarget := filepath.Join(dir, "root", "usr")
	if err := ensureMountTarget(dir, dirTarget); err != nil {
		t.Fatalf("dir target: %v", err)
	}
	if info, err := os.Stat(dirTarget); err != nil || !info.IsDir() {
		t.Fatalf("expected dir target, got %v, %v", info, err)
	}
}
