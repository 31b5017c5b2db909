package expressions

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/rendis/playbook/pkg/schema"
)

// ContextPrefix starts every injection source path.
const ContextPrefix = "context."

// GoJQEngine evaluates jq programs over JSON-shaped data.
// Compiled *gojq.Code values are cached and shared across goroutines.
type GoJQEngine struct {
	cache  *programCache[*gojq.Code]
	lookup *gojq.Code
}

// NewGoJQEngine creates a jq engine. It panics only if the built-in path
// lookup program fails to compile.
func NewGoJQEngine() *GoJQEngine {
	e := &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
	q, err := gojq.Parse("getpath($path)")
	if err != nil {
		panic(err)
	}
	e.lookup, err = gojq.Compile(q, gojq.WithVariables([]string{"$path"}), sandbox())
	if err != nil {
		panic(err)
	}
	return e
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as input. A single output is returned
// as is, several are collected into []any, none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll runs expression and always returns every output.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.cache.getOrCompile(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, Normalize(data))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// Lookup resolves a dotted path inside data with jq getpath.
// A missing, null or non-traversable path reports false.
func (e *GoJQEngine) Lookup(ctx context.Context, data map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	p := make([]any, len(path))
	for i, seg := range path {
		p[i] = seg
	}
	iter := e.lookup.RunWithContext(ctx, Normalize(data), p)
	v, ok := iter.Next()
	if !ok || v == nil {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	return v, true
}

// SourcePath splits a "context.<field>[.<sub>...]" source into its segments.
func SourcePath(source string) ([]string, bool) {
	rest, ok := strings.CutPrefix(source, ContextPrefix)
	if !ok || rest == "" {
		return nil, false
	}
	segs := strings.Split(rest, ".")
	for _, s := range segs {
		if s == "" {
			return nil, false
		}
	}
	return segs, true
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query, sandbox())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return code, nil
}

// sandbox blocks $ENV and env access.
func sandbox() gojq.CompilerOption {
	return gojq.WithEnvironLoader(func() []string { return nil })
}

// Normalize converts v into the value shapes gojq accepts: maps of string
// to any, []any, int, *big.Int, float64, string, bool and nil. Integers stay
// integers. Other types go through a JSON round trip.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int, float64, *big.Int:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = Normalize(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = Normalize(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int64:
		return fromInt64(val)
	case int32:
		return int(val)
	case float32:
		return float64(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return fromInt64(i)
		}
		if i, ok := new(big.Int).SetString(val.String(), 10); ok {
			return i
		}
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}

// fromInt64 returns i as an int, or as a *big.Int where int is narrower.
func fromInt64(i int64) any {
	if n := int(i); int64(n) == i {
		return n
	}
	return big.NewInt(i)
}

var _ Engine = (*GoJQEngine)(nil)
