package scope

import (
	"fmt"
	"sync"
)

// Registry indexes live scopes by id for the control API.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Scope
	root *Scope
}

func NewRegistry(root *Scope) *Registry {
	return &Registry{
		byID: map[string]*Scope{root.ID(): root},
		root: root,
	}
}

func (r *Registry) Root() *Scope { return r.root }

func (r *Registry) Get(id string) (*Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// CreateChild creates a child of the scope parentID and registers it.
func (r *Registry) CreateChild(parentID, name string) (*Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parent, ok := r.byID[parentID]
	if !ok {
		return nil, fmt.Errorf("scope %q not found", parentID)
	}
	child := parent.NewChild(name)
	r.byID[child.ID()] = child
	return child, nil
}

// List returns all registered scopes in unspecified order.
func (r *Registry) List() []*Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Scope, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
