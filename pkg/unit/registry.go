package unit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownUnit     = errors.New("unknown unit")
	ErrDuplicateUnit   = errors.New("unit already registered")
	ErrInvalidRegister = errors.New("invalid unit registration")
)

type Constructor func(Config) Unit

// Spec describes one registered unit version.
type Spec struct {
	Name    string
	Version string
	Model   string
	Tier    string
	// Source is the unit's Go source file, used for certification.
	Source string
	New    Constructor
}

// Ref renders name@version.
func (s Spec) Ref() string { return s.Name + "@" + s.Version }

// Registry maps unit names to constructors. Resolving a bare name returns
// the most recently registered version.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]map[string]Spec
	latest map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]map[string]Spec{},
		latest: map[string]string{},
	}
}

func (r *Registry) Register(spec Spec) error {
	if strings.TrimSpace(spec.Name) == "" || spec.New == nil || strings.Contains(spec.Name, "@") {
		return fmt.Errorf("%w: name=%q", ErrInvalidRegister, spec.Name)
	}
	if spec.Version == "" {
		spec.Version = "0"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.byName[spec.Name]
	if versions == nil {
		versions = map[string]Spec{}
		r.byName[spec.Name] = versions
	}
	if _, exists := versions[spec.Version]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateUnit, spec.Ref())
	}
	versions[spec.Version] = spec
	r.latest[spec.Name] = spec.Version
	return nil
}

// MustRegister panics on a registration error. Intended for init-time wiring.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// Resolve accepts "name" or "name@version".
func (r *Registry) Resolve(ref string) (Spec, error) {
	name, version, pinned := strings.Cut(strings.TrimSpace(ref), "@")
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions, ok := r.byName[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownUnit, ref)
	}
	if !pinned {
		version = r.latest[name]
	}
	spec, ok := versions[version]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownUnit, ref)
	}
	return spec, nil
}

func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.byName))
	for _, versions := range r.byName {
		for _, s := range versions {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}
