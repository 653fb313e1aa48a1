package script

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered scripts. Reads return copies.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]*Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]*Info)}
}

// NewRegistryWithScripts creates a registry pre-filled with scripts (for testing).
func NewRegistryWithScripts(scripts ...*Info) *Registry {
	r := NewRegistry()
	for _, s := range scripts {
		r.scripts[s.ID] = s.Clone()
	}
	return r
}

// Register adds a script. Registering an existing id fails.
func (r *Registry) Register(info *Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scripts[info.ID]; exists {
		return fmt.Errorf("%s: %w", info.ID, ErrScriptExists)
	}
	r.scripts[info.ID] = info.Clone()
	return nil
}

// Unregister removes a script.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scripts[id]; !exists {
		return fmt.Errorf("%s: %w", id, ErrScriptNotFound)
	}
	delete(r.scripts, id)
	return nil
}

// Get returns a copy of a script.
func (r *Registry) Get(id string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Update applies fn to the stored script under the registry lock.
func (r *Registry) Update(id string, fn func(*Info)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scripts[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrScriptNotFound)
	}
	fn(s)
	return nil
}

// GetAll returns copies of every script ordered by id.
func (r *Registry) GetAll() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Info, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns every script id, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.scripts))
	for id := range r.scripts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of scripts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}
