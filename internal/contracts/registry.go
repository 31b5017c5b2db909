package contracts

import (
	"slices"
	"strings"
	"sync"
)

// Registry holds tool contracts. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]*ToolContract // capability.tool
	byName map[string]string        // bare tool name -> key of first registrant
}

func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]*ToolContract),
		byName: make(map[string]string),
	}
}

// Register adds or replaces the contract under its key.
func (r *Registry) Register(c *ToolContract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := c.Key()
	r.byKey[key] = c
	if _, taken := r.byName[c.ToolName]; !taken {
		r.byName[c.ToolName] = key
	}
	return nil
}

// Lookup resolves tool by exact key first, then by bare tool name.
// A bare name shared by several capabilities resolves to the first registered.
func (r *Registry) Lookup(tool string) (*ToolContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.byKey[tool]; ok {
		return c, true
	}
	if key, ok := r.byName[tool]; ok {
		return r.byKey[key], true
	}
	return nil, false
}

// List returns every contract ordered by key.
func (r *Registry) List() []*ToolContract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ToolContract, 0, len(r.byKey))
	for _, c := range r.byKey {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *ToolContract) int { return strings.Compare(a.Key(), b.Key()) })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Extend registers every tool of m. It stops at the first invalid contract;
// contracts registered before it stay registered.
func (r *Registry) Extend(m *Manifest) error {
	for _, c := range m.Contracts() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
