package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/stepwise/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Implementations: CEL and Expr (step conditions), GoJQ (output extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Conditions dispatches step conditions to the named engine. CEL is the default.
type Conditions struct {
	engines map[string]Engine
}

// NewConditions builds a dispatcher with the CEL and Expr engines registered.
func NewConditions() (*Conditions, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Conditions{engines: map[string]Engine{
		schema.ConditionEngineCEL:  celEngine,
		schema.ConditionEngineExpr: NewExprEngine(),
	}}, nil
}

// Has reports whether an engine name is known. The empty name selects CEL.
func (c *Conditions) Has(name string) bool {
	if name == "" {
		return true
	}
	_, ok := c.engines[name]
	return ok
}

// Evaluate runs a condition and requires a boolean result.
func (c *Conditions) Evaluate(ctx context.Context, engine, condition string, data map[string]any) (bool, error) {
	if engine == "" {
		engine = schema.ConditionEngineCEL
	}
	eng, ok := c.engines[engine]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition engine %q", engine)
	}

	out, err := eng.Evaluate(ctx, condition, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q must evaluate to a boolean, got %s", condition, fmt.Sprintf("%T", out))
	}
	return b, nil
}
