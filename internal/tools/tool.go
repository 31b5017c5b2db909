// Package tools dispatches adapted parameters to callable tools: a closed
// set of built-ins plus plugins registered by name.
package tools

import (
	"context"

	"github.com/rendis/playbook/pkg/schema"
)

// Tool is a callable unit of work. Params are already adapted.
type Tool interface {
	Name() string
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Call is the input of one tool invocation.
type Call struct {
	Params  map[string]any
	Context schema.ExecutionContext
	RunID   string
	StepID  string
}

// Result is the output of a tool invocation.
type Result struct {
	Output map[string]any `json:"output,omitempty"`
	Usage  *Usage         `json:"usage,omitempty"`
}

// Usage is the metered consumption a tool reports, e.g. LLM tokens.
type Usage struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model,omitempty"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Cost     float64 `json:"cost,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// HandlerFunc adapts a function to the Tool interface.
type HandlerFunc func(ctx context.Context, call Call) (*Result, error)

type funcTool struct {
	name string
	fn   HandlerFunc
}

// Func wraps fn as a Tool called name.
func Func(name string, fn HandlerFunc) Tool {
	return &funcTool{name: name, fn: fn}
}

func (t *funcTool) Name() string { return t.name }

func (t *funcTool) Execute(ctx context.Context, call Call) (*Result, error) {
	return t.fn(ctx, call)
}
