package controller

import (
	"sort"
	"sync"
)

// Registry hands out one Controller per key, created on first use. Keys are
// stage names, which already carry the predictor identity.
type Registry struct {
	mu          sync.Mutex
	max         int
	controllers map[string]*Controller
}

// NewRegistry returns a Registry whose Controllers use the given ceiling.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		max = DefaultMax
	}
	return &Registry{max: max, controllers: make(map[string]*Controller)}
}

// Get returns the Controller for key, creating it at size 1 if needed.
func (r *Registry) Get(key string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.controllers[key]
	if !ok {
		c = New(r.max)
		r.controllers[key] = c
	}
	return c
}

// Sizes returns the current size of every Controller keyed by name.
func (r *Registry) Sizes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.controllers))
	for k, c := range r.controllers {
		out[k] = c.Size()
	}
	return out
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.controllers))
	for k := range r.controllers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
