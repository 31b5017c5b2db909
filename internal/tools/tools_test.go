package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestRegistry_EveryBuiltinResolves(t *testing.T) {
	r := NewRegistry(nil, nil)
	for _, b := range Builtins {
		tool, err := r.Get(string(b))
		require.NoError(t, err, b)
		assert.Equal(t, string(b), tool.Name())
	}
	assert.Len(t, r.List(), len(Builtins))
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Get("web.search")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolUnavailable))
	assert.False(t, r.Has("web.search"))
}

func TestRegistry_PluginCannotShadowBuiltin(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.Register(Func("core.echo", nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestRegistry_DuplicatePlugin(t *testing.T) {
	r := NewRegistry(nil, nil)
	noop := func(context.Context, Call) (*Result, error) { return &Result{}, nil }
	require.NoError(t, r.Register(Func("web.search", noop)))
	err := r.Register(Func("web.search", noop))
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(nil, nil)
	assert.True(t, schema.HasCode(r.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.HasCode(r.Register(Func("", nil)), schema.ErrCodeValidation))
}

func TestRegistry_RegisterPlugin(t *testing.T) {
	r := NewRegistry(nil, nil)
	handler := func(_ context.Context, call Call) (*Result, error) {
		return &Result{
			Output: map[string]any{"hits": 1},
			Usage:  &Usage{Provider: "acme", Quantity: 12, Unit: "tokens"},
		}, nil
	}

	n, err := r.RegisterPlugin("web", []Tool{Func("search", handler), Func("fetch", handler)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tool, err := r.Get("web.search")
	require.NoError(t, err)
	assert.Equal(t, "web.search", tool.Name())
	res, err := tool.Execute(context.Background(), Call{})
	require.NoError(t, err)
	assert.Equal(t, "acme", res.Usage.Provider)

	n, err = r.RegisterPlugin("web", []Tool{Func("other", handler), Func("search", handler)})
	assert.Equal(t, 1, n)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	_, err = r.RegisterPlugin("", nil)
	assert.Error(t, err)
}

func TestBuiltin_NoopAndEcho(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	noop, _ := r.Get(string(BuiltinNoop))
	res, err := noop.Execute(ctx, Call{Params: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Empty(t, res.Output)

	echo, _ := r.Get(string(BuiltinEcho))
	params := map[string]any{"msg": "hi"}
	res, err = echo.Execute(ctx, Call{Params: params})
	require.NoError(t, err)
	assert.Equal(t, params, res.Output)
	res.Output["msg"] = "changed"
	assert.Equal(t, "hi", params["msg"], "echo output is a copy")
}

func TestBuiltin_Expr(t *testing.T) {
	r := NewRegistry(nil, nil)
	tool, _ := r.Get(string(BuiltinExpr))
	ctx := context.Background()

	res, err := tool.Execute(ctx, Call{Params: map[string]any{"expression": "a * 2", "a": 21}})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Output["result"])

	res, err = tool.Execute(ctx, Call{Params: map[string]any{
		"expression": "len(items)",
		"vars":       map[string]any{"items": []any{1, 2, 3}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Output["result"])

	_, err = tool.Execute(ctx, Call{Params: map[string]any{}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = tool.Execute(ctx, Call{Params: map[string]any{"expression": "1", "vars": "nope"}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestBuiltin_JQ(t *testing.T) {
	r := NewRegistry(nil, nil)
	tool, _ := r.Get(string(BuiltinJQ))

	res, err := tool.Execute(context.Background(), Call{Params: map[string]any{
		"query": "[.tickets[] | select(.open) | .id]",
		"input": map[string]any{"tickets": []any{
			map[string]any{"id": "T-1", "open": true},
			map[string]any{"id": "T-2", "open": false},
		}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []any{"T-1"}, res.Output["result"])
}

func TestIsBuiltin(t *testing.T) {
	assert.True(t, IsBuiltin("core.jq"))
	assert.False(t, IsBuiltin("core.shell"))
}
