package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/playbook/pkg/schema"
)

// ExprEngine backs the core.expr tool. Programs compile without a typed
// environment, so one cached program serves any parameter shape and
// undefined variables evaluate to nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with each key of vars as a top-level variable.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prg, err := e.programs.getOrCompile(expression, func(src string) (*vm.Program, error) {
		p, err := expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, exprError(schema.ErrCodeValidation, "compile", src, err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := vm.Run(prg, vars)
	if err != nil {
		return nil, exprError(schema.ErrCodeExecution, "run", expression, err)
	}
	return out, nil
}

func exprError(code, phase, expression string, err error) *schema.PlaybookError {
	return schema.NewErrorf(code, "expr %s %q: %s", phase, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
