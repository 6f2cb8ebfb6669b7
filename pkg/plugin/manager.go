package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned for unknown plugin names.
var ErrNotRegistered = errors.New("plugin not registered")

// Registry keeps track of the plugins of the process. Plugins are never removed;
// they are disabled through the catalog or the ignore list.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	ignore   map[string]struct{}
	defaults Policy
}

type entry struct {
	spec  Spec
	state State
}

// Option modifies the behaviour of a registry.
type Option func(*Registry)

// WithIgnore disables the named plugins regardless of the catalog.
func WithIgnore(names ...string) Option {
	return func(r *Registry) {
		for _, n := range names {
			if n != "" {
				r.ignore[n] = struct{}{}
			}
		}
	}
}

// WithDefaultPolicy sets the policy applied to plugins without their own.
func WithDefaultPolicy(p Policy) Option {
	return func(r *Registry) {
		r.defaults = p
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		ignore:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// FromCatalog builds a registry holding every plugin of the catalog.
func FromCatalog(cat Catalog, opts ...Option) (*Registry, error) {
	r := NewRegistry(append([]Option{WithDefaultPolicy(cat.Defaults)}, opts...)...)
	for _, spec := range cat.Plugins {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a plugin definition.
func (r *Registry) Register(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := MergePolicies(r.defaults, spec.Policy).Check(spec.Info()); err != nil {
		return err
	}
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("plugin %s already registered", spec.Name)
	}
	r.entries[spec.Name] = &entry{spec: spec, state: r.stateFor(spec)}
	return nil
}

// Apply merges a reloaded catalog: definitions are replaced, new plugins are added,
// plugins missing from the catalog are disabled. It returns the names whose state changed.
func (r *Registry) Apply(cat Catalog) ([]string, error) {
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defaults := cat.Defaults
	for _, spec := range cat.Plugins {
		if err := MergePolicies(defaults, spec.Policy).Check(spec.Info()); err != nil {
			return nil, err
		}
	}
	r.defaults = defaults

	var changed []string
	present := make(map[string]struct{}, len(cat.Plugins))
	for _, spec := range cat.Plugins {
		present[spec.Name] = struct{}{}
		state := r.stateFor(spec)
		e, ok := r.entries[spec.Name]
		if !ok {
			r.entries[spec.Name] = &entry{spec: spec, state: state}
			changed = append(changed, spec.Name)
			continue
		}
		if e.state != state {
			changed = append(changed, spec.Name)
		}
		e.spec, e.state = spec, state
	}
	for name, e := range r.entries {
		if _, ok := present[name]; !ok && e.state != StateDisabled {
			e.state = StateDisabled
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Get returns the definition of a plugin.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return e.spec, nil
}

// Info returns the metadata of a plugin.
func (r *Registry) Info(name string) (Info, error) {
	spec, err := r.Get(name)
	if err != nil {
		return Info{}, err
	}
	return spec.Info(), nil
}

// Names returns the sorted plugin names, optionally only enabled ones.
func (r *Registry) Names(enabledOnly bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if enabledOnly && e.state != StateEnabled {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disable excludes a plugin from updates and upgrades.
func (r *Registry) Disable(name string) error {
	return r.setState(name, StateDisabled)
}

// Enable re-enables a plugin unless it is on the ignore list.
func (r *Registry) Enable(name string) error {
	r.mu.RLock()
	_, ignored := r.ignore[name]
	r.mu.RUnlock()
	if ignored {
		return fmt.Errorf("plugin %s is on the ignore list", name)
	}
	return r.setState(name, StateEnabled)
}

// State returns whether a plugin is enabled.
func (r *Registry) State(name string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return e.state, nil
}

func (r *Registry) setState(name string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	e.state = state
	return nil
}

func (r *Registry) stateFor(spec Spec) State {
	if _, ignored := r.ignore[spec.Name]; ignored || !spec.IsEnabled() {
		return StateDisabled
	}
	return StateEnabled
}
