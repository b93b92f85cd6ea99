package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/stepwise/pkg/schema"
)

// GoJQEngine applies jq expressions to JSON step outputs (output.extract).
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	e := &GoJQEngine{}
	e.programs = newProgramCache(e.compile)
	return e
}

func (e *GoJQEngine) Name() string { return "jq" }

// compile hides the process environment from $ENV and env.
func (e *GoJQEngine) compile(src string) (*gojq.Code, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError(e.Name(), src, err)
	}
	return code, nil
}

// Evaluate runs expression over data. See EvaluateValue for the result shape.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.EvaluateValue(ctx, expression, data)
}

// EvaluateValue runs expression over any JSON-shaped input. No results yield
// nil, one result is returned as is, several are collected into []any.
func (e *GoJQEngine) EvaluateValue(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, v)
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

// Extract parses text as JSON and applies expression to it.
func (e *GoJQEngine) Extract(ctx context.Context, expression, text string) (any, error) {
	var input any
	if err := json.Unmarshal([]byte(text), &input); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot extract %q: output is not valid JSON: %s", expression, err.Error()).
			WithCause(err)
	}
	return e.EvaluateValue(ctx, expression, input)
}

// jqValue widens Go integers and float32 to float64, the only number type gojq
// accepts in maps and slices.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
