package registry_test

import (
	"reflect"
	"testing"

	"execbox/internal/executor/registry"
	"execbox/internal/executor/spec"
	appErr "execbox/pkg/errors"
)

var defaults = spec.Limits{TimeoutMs: 5000, MaxOutputBytes: 64 * 1024}

func pythonProfile() registry.Profile {
	return registry.Profile{
		ID:          "python",
		Name:        "Python 3",
		SourceFile:  "main.py",
		Interpreter: "python3",
		RunCmdTpl:   "{interpreter} -u {scriptPath}",
		Env:         []string{"PYTHONDONTWRITEBYTECODE=1"},
		HardLimits:  spec.Limits{TimeoutMs: 10000, MaxOutputBytes: 1 << 20},
	}
}

func TestResolve(t *testing.T) {
	reg, err := registry.New([]registry.Profile{pythonProfile()}, defaults)
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}

	p, err := reg.Resolve("python")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if p.DefaultLimits.TimeoutMs != 5000 {
		t.Fatalf("defaults not applied: %+v", p.DefaultLimits)
	}

	_, err = reg.Resolve("cobol")
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	reg, err := registry.New([]registry.Profile{pythonProfile()}, defaults)
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	p, _ := reg.Resolve("python")
	p.Env[0] = "MUTATED=1"
	p.RunCmdTpl = "rm -rf /"

	again, _ := reg.Resolve("python")
	if again.Env[0] != "PYTHONDONTWRITEBYTECODE=1" || again.RunCmdTpl != "{interpreter} -u {scriptPath}" {
		t.Fatalf("registry was mutated through a resolved profile: %+v", again)
	}
}

func TestNewRejectsBadProfiles(t *testing.T) {
	dup := pythonProfile()
	noSource := pythonProfile()
	noSource.ID = "py2"
	noSource.SourceFile = ""
	badTpl := pythonProfile()
	badTpl.ID = "py3"
	badTpl.RunCmdTpl = "python3 'unterminated"

	cases := map[string][]registry.Profile{
		"duplicate":   {pythonProfile(), dup},
		"empty id":    {{SourceFile: "a", RunCmdTpl: "x"}},
		"no source":   {noSource},
		"bad command": {badTpl},
	}
	for name, profiles := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := registry.New(profiles, defaults); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLanguagesSorted(t *testing.T) {
	node := registry.Profile{ID: "node", SourceFile: "main.js", RunCmdTpl: "node {src}"}
	bash := registry.Profile{ID: "bash", SourceFile: "main.sh", RunCmdTpl: "/bin/bash {scriptPath}"}
	reg, err := registry.New([]registry.Profile{node, pythonProfile(), bash}, defaults)
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	var ids []string
	for _, p := range reg.Languages() {
		ids = append(ids, p.ID)
	}
	if !reflect.DeepEqual(ids, []string{"bash", "node", "python"}) {
		t.Fatalf("ids = %v", ids)
	}
}

func TestBuildCommand(t *testing.T) {
	cmd, err := pythonProfile().BuildCommand()
	if err != nil {
		t.Fatalf("build command failed: %v", err)
	}
	if !reflect.DeepEqual(cmd, []string{"python3", "-u", "main.py"}) {
		t.Fatalf("cmd = %v", cmd)
	}

	empty := registry.Profile{RunCmdTpl: "   "}
	if _, err := empty.BuildCommand(); err == nil {
		t.Fatalf("expected error for empty template")
	}
}

func TestEffectiveLimits(t *testing.T) {
	reg, err := registry.New([]registry.Profile{pythonProfile()}, defaults)
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	p, _ := reg.Resolve("python")

	tests := []struct {
		name      string
		requested spec.Limits
		want      spec.Limits
	}{
		{
			name:      "defaults",
			requested: spec.Limits{},
			want:      spec.Limits{TimeoutMs: 5000, MaxOutputBytes: 64 * 1024},
		},
		{
			name:      "override within ceiling",
			requested: spec.Limits{TimeoutMs: 8000, MaxOutputBytes: 100},
			want:      spec.Limits{TimeoutMs: 8000, MaxOutputBytes: 100},
		},
		{
			name:      "override above ceiling is clamped",
			requested: spec.Limits{TimeoutMs: 600000, MaxOutputBytes: 1 << 30},
			want:      spec.Limits{TimeoutMs: 10000, MaxOutputBytes: 1 << 20},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.EffectiveLimits(tt.requested); got != tt.want {
				t.Fatalf("limits = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEffectiveLimitsHardFallsBackToDefaults(t *testing.T) {
	p := registry.Profile{ID: "sh", SourceFile: "main.sh", RunCmdTpl: "/bin/sh {src}", TimeMultiplier: 2}
	reg, err := registry.New([]registry.Profile{p}, defaults)
	if err != nil {
		t.Fatalf("new registry failed: %v", err)
	}
	resolved, _ := reg.Resolve("sh")
	got := resolved.EffectiveLimits(spec.Limits{TimeoutMs: 20000})
	if got.TimeoutMs != 5000 {
		t.Fatalf("timeout = %d, want ceiling 5000", got.TimeoutMs)
	}
	got = resolved.EffectiveLimits(spec.Limits{TimeoutMs: 1000})
	if got.TimeoutMs != 2000 {
		t.Fatalf("timeout = %d, want multiplier applied", got.TimeoutMs)
	}
}
