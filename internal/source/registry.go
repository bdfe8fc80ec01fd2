// Package source holds the static registry of site adapters. One adapter per
// external source, selected by name; no dynamic registration after startup.
package source

import (
	"fmt"
	"sort"

	"github.com/ksuzuki/jancollect/internal/collect"
)

// Registry maps source names to their adapters.
type Registry struct {
	adapters map[string]collect.Adapter
}

// NewRegistry builds a registry from the given adapters. Duplicate or empty
// names are a wiring bug and rejected.
func NewRegistry(adapters ...collect.Adapter) (*Registry, error) {
	m := make(map[string]collect.Adapter, len(adapters))
	for _, a := range adapters {
		name := a.Name()
		if name == "" {
			return nil, fmt.Errorf("adapter with empty name")
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("duplicate adapter name %q", name)
		}
		m[name] = a
	}
	return &Registry{adapters: m}, nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (collect.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Adapters returns all registered adapters, ordered by name.
func (r *Registry) Adapters() []collect.Adapter {
	out := make([]collect.Adapter, 0, len(r.adapters))
	for _, name := range r.Names() {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
