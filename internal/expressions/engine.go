package expressions

import (
	"context"
	"sync"
)

// Engine evaluates expressions against a data map.
// CEL drives definition-of-done checks, jq resolves context paths and
// reshapes data, Expr backs computed tool outputs.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache memoizes compiled programs by source text.
// Safe for concurrent use.
type programCache[P any] struct {
	mu sync.RWMutex
	m  map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{m: make(map[string]P)}
}

func (c *programCache[P]) getOrCompile(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	if p, ok := c.m[src]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if p, ok := c.m[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		var zero P
		return zero, err
	}
	c.m[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
