package sandbox

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a sandbox name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the configured sandboxes by name.
type Registry struct {
	mu        sync.RWMutex
	sandboxes map[string]Sandbox
}

// NewRegistry creates an empty sandbox registry.
func NewRegistry() *Registry {
	return &Registry{
		sandboxes: make(map[string]Sandbox),
	}
}

// Register adds a sandbox under the given name, replacing any previous one.
func (r *Registry) Register(name string, s Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sandboxes[name] = s
}

// Resolve returns the sandbox registered under name.
func (r *Registry) Resolve(name string) (Sandbox, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sandboxes[name]
	if !ok {
		return nil, fmt.Errorf("sandbox %q is not registered", name)
	}
	return s, nil
}

// List returns all registered sandboxes sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sandboxes))
	for name, s := range r.sandboxes {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
