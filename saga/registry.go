package saga

import (
	"fmt"
	"sync"
)

// Registry holds the closed set of saga definitions known to the process.
// Definitions are registered at startup; registration fails fast on
// incomplete definitions so a missing compensation handler cannot surface
// halfway through a rollback.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register adds a definition to the registry. The definition is copied;
// later mutations of the argument have no effect.
func (r *Registry) Register(d Definition) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[d.Name]; dup {
		return fmt.Errorf("definition '%s' is already registered", d.Name)
	}
	steps := make([]Step, len(d.Steps))
	copy(steps, d.Steps)
	r.defs[d.Name] = &Definition{Name: d.Name, Steps: steps}
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("definition '%s' is not registered", name)
	}
	return d, nil
}
