package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates conditions in expr-lang syntax, selected per step
// with condition_engine: expr.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	e := &ExprEngine{}
	e.programs = newProgramCache(e.compile)
	return e
}

func (e *ExprEngine) Name() string { return "expr" }

// compile allows undefined variables; the binding shape differs from step to step.
func (e *ExprEngine) compile(src string) (*vm.Program, error) {
	prg, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	return prg, nil
}

// Evaluate runs expression with data as its environment, so vars and steps
// are top-level identifiers.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
