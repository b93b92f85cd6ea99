package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// conditionRoots are the top-level identifiers every condition may reference.
var conditionRoots = []string{"vars", "steps"}

// CELEngine evaluates step conditions written in CEL. It is the default
// condition engine.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares vars and steps as map(string, dyn), matching
// BindingContext.ConditionData.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(conditionRoots))
	for _, root := range conditionRoots {
		opts = append(opts, cel.Variable(root, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	return prg, nil
}

// Evaluate runs a CEL expression. Roots absent from data bind to empty maps
// so a missing namespace never becomes an unbound variable.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(conditionRoots))
	for _, root := range conditionRoots {
		activation[root] = map[string]any{}
		if v, ok := data[root]; ok && v != nil {
			activation[root] = v
		}
	}

	val, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return val.Value(), nil
}

var _ Engine = (*CELEngine)(nil)
