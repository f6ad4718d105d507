package scoring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Registry holds the known rule versions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rules
}

// NewRegistry creates a registry seeded with rs. With no arguments it holds
// DefaultRules only.
func NewRegistry(rs ...Rules) (*Registry, error) {
	reg := &Registry{rules: make(map[string]Rules)}
	if len(rs) == 0 {
		rs = []Rules{DefaultRules()}
	}
	for _, r := range rs {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds a rule version. Versions are immutable: re-registering an
// existing version is an error.
func (reg *Registry) Register(r Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	v, _ := semver.NewVersion(r.Version)
	key := v.String()
	r.Version = key

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.rules[key]; exists {
		return fmt.Errorf("rule version %s already registered", key)
	}
	reg.rules[key] = r
	return nil
}

// Get returns the exact rule version.
func (reg *Registry) Get(version string) (Rules, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return Rules{}, fmt.Errorf("invalid rule version %q: %w", version, err)
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rules[v.String()]
	if !ok {
		return Rules{}, fmt.Errorf("rule version %s not registered", v)
	}
	return r, nil
}

// Resolve returns the highest registered version satisfying constraint
// (for example "^1.2" or ">= 1.0, < 2.0").
func (reg *Registry) Resolve(constraint string) (Rules, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return Rules{}, fmt.Errorf("invalid rule constraint %q: %w", constraint, err)
	}
	for _, v := range reg.sortedVersions() {
		if c.Check(v) {
			return reg.Get(v.String())
		}
	}
	return Rules{}, fmt.Errorf("no rule version satisfies %q", constraint)
}

// Latest returns the highest registered version.
func (reg *Registry) Latest() Rules {
	vs := reg.sortedVersions()
	if len(vs) == 0 {
		return DefaultRules()
	}
	r, _ := reg.Get(vs[0].String())
	return r
}

// Versions lists registered versions, newest first.
func (reg *Registry) Versions() []string {
	vs := reg.sortedVersions()
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

func (reg *Registry) sortedVersions() []*semver.Version {
	reg.mu.RLock()
	vs := make([]*semver.Version, 0, len(reg.rules))
	for k := range reg.rules {
		v, err := semver.NewVersion(k)
		if err != nil {
			continue
		}
		vs = append(vs, v)
	}
	reg.mu.RUnlock()

	sort.Slice(vs, func(i, j int) bool {
		return vs[i].GreaterThan(vs[j])
	})
	return vs
}
