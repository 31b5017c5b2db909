package tools

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

// Registry resolves tool names to implementations. Built-ins are fixed at
// construction; plugins may be added at any time. Safe for concurrent use.
type Registry struct {
	builtins map[string]Tool

	mu      sync.RWMutex
	plugins map[string]Tool
}

// NewRegistry creates a registry holding every built-in.
// Nil engines are created on demand.
func NewRegistry(exprEngine *expressions.ExprEngine, jq *expressions.GoJQEngine) *Registry {
	if exprEngine == nil {
		exprEngine = expressions.NewExprEngine()
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	e := engines{expr: exprEngine, jq: jq}
	r := &Registry{
		builtins: make(map[string]Tool, len(Builtins)),
		plugins:  make(map[string]Tool),
	}
	for _, b := range Builtins {
		r.builtins[string(b)] = e.build(b)
	}
	return r
}

// Register adds a plugin tool. Names may not shadow a built-in or an
// existing plugin.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := t.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if IsBuiltin(name) {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q is a built-in", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.plugins[name] = t
	return nil
}

// RegisterPlugin registers tools under "prefix.<name>". It stops at the
// first conflict and reports how many were registered before it.
func (r *Registry) RegisterPlugin(prefix string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}
	for i, t := range tools {
		name := prefix + "." + t.Name()
		if err := r.Register(&prefixedTool{inner: t, name: name}); err != nil {
			return i, err
		}
	}
	return len(tools), nil
}

// Get resolves name, built-ins first.
func (r *Registry) Get(name string) (Tool, error) {
	if t, ok := r.builtins[name]; ok {
		return t, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.plugins[name]; ok {
		return t, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name)
}

// Has reports whether name resolves.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// List returns every tool name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.builtins)+len(r.plugins))
	for n := range r.plugins {
		names = append(names, n)
	}
	r.mu.RUnlock()
	for n := range r.builtins {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string { return p.name }

func (p *prefixedTool) Execute(ctx context.Context, call Call) (*Result, error) {
	return p.inner.Execute(ctx, call)
}
