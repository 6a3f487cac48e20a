package adapter

import (
	"fmt"
	"sync"

	gateway "github.com/arbiterai/arbiter/internal"
)

// Registry maps wire dialects to Adapter instances.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[gateway.AdapterKind]Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[gateway.AdapterKind]Adapter)}
}

// Register adds an adapter for its dialect, overwriting any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Kind()] = a
	r.mu.Unlock()
}

// Get returns the adapter for a dialect, or an error if not registered.
func (r *Registry) Get(kind gateway.AdapterKind) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter %q not registered", kind)
	}
	return a, nil
}
