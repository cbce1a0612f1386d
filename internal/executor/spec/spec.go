// Package spec defines the run specification and resource limits shared by
// the registry, the runner and the orchestration layer.
package spec

// Limits describes the ceilings enforced on one run. Zero means unset.
type Limits struct {
	TimeoutMs      int64 `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
	CPUTimeMs      int64 `json:"cpuTimeMs,omitempty" yaml:"cpuTimeMs"`
	MaxOutputBytes int64 `json:"maxOutputBytes,omitempty" yaml:"maxOutputBytes"`
	MaxMemoryBytes int64 `json:"maxMemoryBytes,omitempty" yaml:"maxMemoryBytes"`
	MaxProcs       int64 `json:"maxProcs,omitempty" yaml:"maxProcs"`
	MaxFileBytes   int64 `json:"maxFileBytes,omitempty" yaml:"maxFileBytes"`
}

// MountSpec describes a bind mount inside the sandbox root.
type MountSpec struct {
	Source   string `json:"Source"`
	Target   string `json:"Target"`
	ReadOnly bool   `json:"ReadOnly"`
}

// RunSpec is everything the runner needs to start one child process.
type RunSpec struct {
	ID         string
	WorkDir    string
	Args       []string
	Env        []string
	Stdin      []byte
	BindMounts []MountSpec
	Limits     Limits
}
