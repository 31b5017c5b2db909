package orchestrator

import (
	"slices"
	"sync"

	"github.com/rendis/playbook/pkg/schema"
)

// Registry addresses in-flight orchestrators by execution ID.
// Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Orchestrator
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Orchestrator)}
}

// Register adds o under its execution ID. An ID already in flight is a CONFLICT.
func (r *Registry) Register(o *Orchestrator) error {
	id := o.ExecutionID()
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "orchestrator has no execution id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[id]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already has an orchestrator", id)
	}
	r.items[id] = o
	return nil
}

// Get returns the orchestrator of executionID or NOT_FOUND.
func (r *Registry) Get(executionID string) (*Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.items[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no orchestrator for execution %q", executionID)
	}
	return o, nil
}

// Remove forgets executionID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, executionID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// IDs returns the in-flight execution IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close drops every orchestrator.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.items)
}
