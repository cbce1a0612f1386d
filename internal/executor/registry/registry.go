// Package registry maps language identifiers to executor profiles. A Registry
// is built once at startup and only read afterwards, so it needs no locking.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"execbox/internal/executor/spec"
	appErr "execbox/pkg/errors"
)

// Registry is an immutable set of executor profiles.
type Registry struct {
	profiles map[string]Profile
	ids      []string
}

// New validates profiles and fills unset limits from defaults. A profile's
// hard ceiling falls back to its defaults so requests cannot exceed them
// unless the profile says so.
func New(profiles []Profile, defaults spec.Limits) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("language profile without id")
		}
		if _, dup := r.profiles[p.ID]; dup {
			return nil, fmt.Errorf("duplicate language profile %q", p.ID)
		}
		if p.SourceFile == "" {
			return nil, fmt.Errorf("language %q: source file is required", p.ID)
		}
		if _, err := p.BuildCommand(); err != nil {
			return nil, fmt.Errorf("language %q: %w", p.ID, err)
		}
		p.DefaultLimits = mergeLimits(defaults, p.DefaultLimits)
		p.HardLimits = mergeLimits(p.DefaultLimits, p.HardLimits)
		p.Env = append([]string(nil), p.Env...)
		r.profiles[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Resolve returns the profile registered for language.
func (r *Registry) Resolve(language string) (Profile, error) {
	if strings.TrimSpace(language) == "" {
		return Profile{}, appErr.ValidationError("language", "required")
	}
	p, ok := r.profiles[language]
	if !ok {
		return Profile{}, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", language)
	}
	p.Env = append([]string(nil), p.Env...)
	return p, nil
}

// Languages lists every profile ordered by id.
func (r *Registry) Languages() []Profile {
	out := make([]Profile, 0, len(r.ids))
	for _, id := range r.ids {
		p := r.profiles[id]
		p.Env = append([]string(nil), p.Env...)
		out = append(out, p)
	}
	return out
}
