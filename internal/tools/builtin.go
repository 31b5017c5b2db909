package tools

import (
	"context"
	"maps"

	"github.com/rendis/playbook/internal/expressions"
	"github.com/rendis/playbook/pkg/schema"
)

// Builtin names a tool shipped with the control plane.
type Builtin string

const (
	BuiltinNoop Builtin = "core.noop"
	BuiltinEcho Builtin = "core.echo"
	BuiltinExpr Builtin = "core.expr"
	BuiltinJQ   Builtin = "core.jq"
)

// Builtins lists every built-in, in registration order.
var Builtins = []Builtin{BuiltinNoop, BuiltinEcho, BuiltinExpr, BuiltinJQ}

// IsBuiltin reports whether name is reserved by a built-in.
func IsBuiltin(name string) bool {
	for _, b := range Builtins {
		if string(b) == name {
			return true
		}
	}
	return false
}

// engines backs the expression built-ins.
type engines struct {
	expr *expressions.ExprEngine
	jq   *expressions.GoJQEngine
}

// build returns the implementation of b. Every Builtin must have a case.
func (e engines) build(b Builtin) Tool {
	switch b {
	case BuiltinNoop:
		return Func(string(b), func(context.Context, Call) (*Result, error) {
			return &Result{Output: map[string]any{}}, nil
		})
	case BuiltinEcho:
		return Func(string(b), func(_ context.Context, call Call) (*Result, error) {
			return &Result{Output: maps.Clone(call.Params)}, nil
		})
	case BuiltinExpr:
		return Func(string(b), e.evalExpr)
	case BuiltinJQ:
		return Func(string(b), e.evalJQ)
	default:
		panic("tools: unhandled builtin " + string(b))
	}
}

// evalExpr evaluates params.expression with params.vars (or the remaining
// params) as its environment.
func (e engines) evalExpr(ctx context.Context, call Call) (*Result, error) {
	src, vars, err := splitProgram(call.Params, "expression", "vars")
	if err != nil {
		return nil, err
	}
	out, err := e.expr.Evaluate(ctx, src, vars)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]any{"result": out}}, nil
}

// evalJQ runs params.query over params.input (or the remaining params).
func (e engines) evalJQ(ctx context.Context, call Call) (*Result, error) {
	src, input, err := splitProgram(call.Params, "query", "input")
	if err != nil {
		return nil, err
	}
	out, err := e.jq.Evaluate(ctx, src, input)
	if err != nil {
		return nil, err
	}
	return &Result{Output: map[string]any{"result": out}}, nil
}

func splitProgram(params map[string]any, srcKey, dataKey string) (string, map[string]any, error) {
	src, ok := params[srcKey].(string)
	if !ok || src == "" {
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "parameter %q must be a non-empty string", srcKey)
	}
	if raw, ok := params[dataKey]; ok {
		data, isMap := raw.(map[string]any)
		if !isMap {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "parameter %q must be an object", dataKey)
		}
		return src, data, nil
	}
	data := maps.Clone(params)
	delete(data, srcKey)
	return src, data, nil
}
