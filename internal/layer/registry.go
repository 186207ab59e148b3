package layer

import (
	"fmt"
	"slices"
	"sync"
)

// Registry maps layer names to layers.
type Registry struct {
	mu     sync.RWMutex
	layers map[string]Layer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]Layer)}
}

// Add registers a layer under its name, replacing any previous one.
func (r *Registry) Add(l Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers[l.Name()] = l
}

// Get looks a layer up by name.
func (r *Registry) Get(name string) (Layer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, name)
	}
	return l, nil
}

// Names returns the registered layer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.layers))
	for name := range r.layers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
