package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// seccompProfile is the subset of the OCI/Docker profile format we honour.
type seccompProfile struct {
	DefaultAction   string        `json:"defaultAction"`
	DefaultErrnoRet *uint         `json:"defaultErrnoRet,omitempty"`
	Syscalls        []syscallRule `json:"syscalls"`
}

type syscallRule struct {
	Names    []string `json:"names"`
	Action   string   `json:"action"`
	ErrnoRet *uint    `json:"errnoRet,omitempty"`
}

type seccompFilter struct {
	filter *seccomp.ScmpFilter
}

func loadSeccompProfile(path string) (*seccompFilter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seccomp profile: %w", err)
	}
	var p seccompProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("seccomp profile %s: %w", path, err)
	}
	return compileProfile(p)
}

func compileProfile(p seccompProfile) (*seccompFilter, error) {
	def, err := parseSeccompAction(p.DefaultAction, p.DefaultErrnoRet)
	if err != nil {
		return nil, err
	}
	f, err := seccomp.NewFilter(def)
	if err != nil {
		return nil, fmt.Errorf("seccomp filter: %w", err)
	}
	for _, rule := range p.Syscalls {
		act, err := parseSeccompAction(rule.Action, rule.ErrnoRet)
		if err == nil {
			err = addRule(f, rule.Names, act)
		}
		if err != nil {
			f.Release()
			return nil, err
		}
	}
	return &seccompFilter{filter: f}, nil
}

func addRule(f *seccomp.ScmpFilter, names []string, act seccomp.ScmpAction) error {
	for _, name := range names {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// not present on this architecture
			continue
		}
		if err := f.AddRule(call, act); err != nil {
			return fmt.Errorf("seccomp rule %s: %w", name, err)
		}
	}
	return nil
}

// parseSeccompAction accepts ALLOW, ERRNO, KILL, KILL_PROCESS, KILL_THREAD, TRAP
// and LOG, with or without the SCMP_ACT_ prefix. ERRNO defaults to EPERM.
func parseSeccompAction(action string, errnoRet *uint) (seccomp.ScmpAction, error) {
	switch strings.TrimPrefix(strings.ToUpper(action), "SCMP_ACT_") {
	case "ALLOW":
		return seccomp.ActAllow, nil
	case "ERRNO":
		code := int16(unix.EPERM)
		if errnoRet != nil {
			code = int16(*errnoRet)
		}
		return seccomp.ActErrno.SetReturnCode(code), nil
	case "KILL", "KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	case "KILL_THREAD":
		return seccomp.ActKillThread, nil
	case "TRAP":
		return seccomp.ActTrap, nil
	case "LOG":
		return seccomp.ActLog, nil
	}
	return seccomp.ActInvalid, fmt.Errorf("seccomp action %q not supported", action)
}

// install loads the filter into the kernel. A nil receiver installs nothing.
func (s *seccompFilter) install() error {
	if s == nil {
		return nil
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("no_new_privs: %w", err)
	}
	if err := s.filter.Load(); err != nil {
		return fmt.Errorf("seccomp load: %w", err)
	}
	return nil
}

func (s *seccompFilter) release() {
	if s != nil {
		s.filter.Release()
	}
}
