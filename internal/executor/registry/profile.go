package registry

import (
	"math"
	"strings"

	"execbox/internal/executor/spec"
	appErr "execbox/pkg/errors"

	"github.com/google/shlex"
)

// Profile describes how to run one language backend.
type Profile struct {
	ID               string      `yaml:"id" json:"id"`
	Name             string      `yaml:"name" json:"name"`
	Version          string      `yaml:"version" json:"version,omitempty"`
	SourceFile       string      `yaml:"sourceFile" json:"sourceFile"`
	Interpreter      string      `yaml:"interpreter" json:"interpreter"`
	RunCmdTpl        string      `yaml:"runCmd" json:"runCmd"`
	Env              []string    `yaml:"env" json:"-"`
	TimeMultiplier   float64     `yaml:"timeMultiplier" json:"timeMultiplier,omitempty"`
	MemoryMultiplier float64     `yaml:"memoryMultiplier" json:"memoryMultiplier,omitempty"`
	DefaultLimits    spec.Limits `yaml:"defaultLimits" json:"defaultLimits"`
	HardLimits       spec.Limits `yaml:"hardLimits" json:"hardLimits"`
}

// BuildCommand expands the run template for the profile's entry file.
// Supported placeholders: {interpreter}, {scriptPath} and its alias {src}.
func (p Profile) BuildCommand() ([]string, error) {
	if strings.TrimSpace(p.RunCmdTpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	expanded := p.RunCmdTpl
	expanded = strings.ReplaceAll(expanded, "{interpreter}", p.Interpreter)
	expanded = strings.ReplaceAll(expanded, "{scriptPath}", p.SourceFile)
	expanded = strings.ReplaceAll(expanded, "{src}", p.SourceFile)
	fields, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	return fields, nil
}

// EffectiveLimits overlays the positive fields of requested on the profile
// defaults, scales them by the language multipliers and clamps every field to
// the profile's hard ceiling.
func (p Profile) EffectiveLimits(requested spec.Limits) spec.Limits {
	merged := mergeLimits(p.DefaultLimits, requested)
	merged = applyMultipliers(merged, p)
	return clampLimits(merged, p.HardLimits)
}

func mergeLimits(base, override spec.Limits) spec.Limits {
	if override.TimeoutMs > 0 {
		base.TimeoutMs = override.TimeoutMs
	}
	if override.CPUTimeMs > 0 {
		base.CPUTimeMs = override.CPUTimeMs
	}
	if override.MaxOutputBytes > 0 {
		base.MaxOutputBytes = override.MaxOutputBytes
	}
	if override.MaxMemoryBytes > 0 {
		base.MaxMemoryBytes = override.MaxMemoryBytes
	}
	if override.MaxProcs > 0 {
		base.MaxProcs = override.MaxProcs
	}
	if override.MaxFileBytes > 0 {
		base.MaxFileBytes = override.MaxFileBytes
	}
	return base
}

func applyMultipliers(limits spec.Limits, p Profile) spec.Limits {
	limits.TimeoutMs = scaleLimit(limits.TimeoutMs, p.TimeMultiplier)
	limits.CPUTimeMs = scaleLimit(limits.CPUTimeMs, p.TimeMultiplier)
	limits.MaxMemoryBytes = scaleLimit(limits.MaxMemoryBytes, p.MemoryMultiplier)
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}

func clampLimits(limits, hard spec.Limits) spec.Limits {
	limits.TimeoutMs = clamp(limits.TimeoutMs, hard.TimeoutMs)
	limits.CPUTimeMs = clamp(limits.CPUTimeMs, hard.CPUTimeMs)
	limits.MaxOutputBytes = clamp(limits.MaxOutputBytes, hard.MaxOutputBytes)
	limits.MaxMemoryBytes = clamp(limits.MaxMemoryBytes, hard.MaxMemoryBytes)
	limits.MaxProcs = clamp(limits.MaxProcs, hard.MaxProcs)
	limits.MaxFileBytes = clamp(limits.MaxFileBytes, hard.MaxFileBytes)
	return limits
}

// clamp treats a zero ceiling as unbounded.
func clamp(value, ceiling int64) int64 {
	if ceiling > 0 && (value <= 0 || value > ceiling) {
		return ceiling
	}
	return value
}
