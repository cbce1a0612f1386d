package engine

import "execbox/internal/executor/spec"

// initRequest is handed to sandbox-init on fd 3.
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

const sandboxWorkDir = "/work"
