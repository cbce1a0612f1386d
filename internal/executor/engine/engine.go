// Package engine runs one child process per RunSpec under wall-clock,
// output and (where the host allows it) memory, CPU and process ceilings.
package engine

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"execbox/internal/executor/result"
	"execbox/internal/executor/spec"
)

const (
	ModeDirect  = "direct"
	ModeSandbox = "sandbox"

	defaultMaxOutputBytes int64 = 64 * 1024
	defaultTimeout              = 5 * time.Second
	defaultKillGrace            = 200 * time.Millisecond
	defaultPath                 = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Runner executes a RunSpec and reports how the child finished.
// The error is reserved for malformed specs; every runtime failure,
// including a failed spawn, is folded into the Outcome.
type Runner interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.Outcome, error)
}

// Config controls runner behavior.
type Config struct {
	Mode                  string
	HelperPath            string
	RootFS                string
	SeccompProfile        string
	CgroupRoot            string
	EnableSeccomp         bool
	EnableCgroup          bool
	EnableNamespaces      bool
	DisableNetwork        bool
	KillGrace             time.Duration
	DefaultTimeout        time.Duration
	DefaultMaxOutputBytes int64
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeDirect
	}
	if c.HelperPath == "" {
		c.HelperPath = "sandbox-init"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTimeout
	}
	if c.DefaultMaxOutputBytes <= 0 {
		c.DefaultMaxOutputBytes = defaultMaxOutputBytes
	}
	return c
}

func (c Config) sandboxed() bool {
	return c.Mode == ModeSandbox
}

// New validates cfg and returns the runner for the host platform.
func New(cfg Config) (Runner, error) {
	cfg = cfg.withDefaults()
	switch cfg.Mode {
	case ModeDirect:
	case ModeSandbox:
		path, err := exec.LookPath(cfg.HelperPath)
		if err != nil {
			return nil, fmt.Errorf("sandbox helper %q: %w", cfg.HelperPath, err)
		}
		cfg.HelperPath = path
	default:
		return nil, fmt.Errorf("unknown runner mode %q", cfg.Mode)
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if cfg.RootFS != "" && !cfg.EnableNamespaces {
		return nil, fmt.Errorf("rootfs requires namespaces")
	}
	if cfg.SeccompProfile != "" {
		// the helper starts inside the workspace, so relative paths would miss
		abs, err := filepath.Abs(cfg.SeccompProfile)
		if err != nil {
			return nil, fmt.Errorf("seccomp profile: %w", err)
		}
		cfg.SeccompProfile = abs
	}
	return newRunner(cfg)
}

// Describe summarizes the isolation a runner built from cfg achieves.
func Describe(cfg Config) string {
	cfg = cfg.withDefaults()
	parts := []string{"process-group", "wall-timeout", "output-cap"}
	if cfg.sandboxed() {
		parts = append(parts, "rlimits")
		if cfg.EnableNamespaces {
			parts = append(parts, "namespaces")
			if cfg.DisableNetwork {
				parts = append(parts, "no-network")
			}
		}
		if cfg.RootFS != "" {
			parts = append(parts, "chroot")
		}
		if cfg.EnableSeccomp && cfg.SeccompProfile != "" {
			parts = append(parts, "seccomp")
		}
	}
	if cfg.EnableCgroup {
		parts = append(parts, "cgroup")
	}
	return cfg.Mode + ":" + strings.Join(parts, ",")
}

func (c Config) effectiveLimits(limits spec.Limits) spec.Limits {
	if limits.TimeoutMs <= 0 {
		limits.TimeoutMs = c.DefaultTimeout.Milliseconds()
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = c.DefaultMaxOutputBytes
	}
	return limits
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Args) == 0 || runSpec.Args[0] == "" {
		return fmt.Errorf("command is required")
	}
	if runSpec.Limits.TimeoutMs < 0 || runSpec.Limits.MaxOutputBytes < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

func withDefaultPath(env []string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		out = append(out, kv)
	}
	if !hasPath {
		out = append(out, defaultPath)
	}
	return out
}
