package main

import (
	"fmt"

	"execbox/internal/executor/spec"

	"golang.org/x/sys/unix"
)

type rlimit struct {
	name     string
	resource int
	value    uint64
}

// rlimitsFor lists the hard limits for one run. Zero limits are skipped, except
// core dumps which are always disabled.
func rlimitsFor(l spec.Limits) []rlimit {
	out := []rlimit{{"core", unix.RLIMIT_CORE, 0}}
	if l.CPUTimeMs > 0 {
		// whole seconds, rounded up so a 1500ms budget gets 2s of CPU
		out = append(out, rlimit{"cpu", unix.RLIMIT_CPU, uint64((l.CPUTimeMs + 999) / 1000)})
	}
	if l.MaxMemoryBytes > 0 {
		out = append(out, rlimit{"as", unix.RLIMIT_AS, uint64(l.MaxMemoryBytes)})
	}
	if l.MaxFileBytes > 0 {
		out = append(out, rlimit{"fsize", unix.RLIMIT_FSIZE, uint64(l.MaxFileBytes)})
	}
	if l.MaxProcs > 0 {
		out = append(out, rlimit{"nproc", unix.RLIMIT_NPROC, uint64(l.MaxProcs)})
	}
	return out
}

func applyRlimits(l spec.Limits) error {
	for _, r := range rlimitsFor(l) {
		if err := unix.Setrlimit(r.resource, &unix.Rlimit{Cur: r.value, Max: r.value}); err != nil {
			return fmt.Errorf("rlimit %s=%d: %w", r.name, r.value, err)
		}
	}
	return nil
}
