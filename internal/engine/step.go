package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/output"
	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/internal/tracing"
	"github.com/rendis/stepwise/pkg/schema"
)

// previousOutputField is the structured-input key the previous output is spliced into.
const previousOutputField = "previous_output"

// stepRun is everything one step execution needs. bindings belongs to the
// caller: the session (under its lock) or a forked parallel branch.
type stepRun struct {
	sessionID string
	workflow  *schema.WorkflowDefinition
	mode      string
	step      *schema.WorkflowStep
	index     int
	total     int
	bindings  *expressions.BindingContext
	previous  expressions.TextHandle
	overrides params.Overrides
}

// stepOutput is the engine-internal result of a step.
type stepOutput struct {
	ref       *output.Reference
	text      string
	modelUsed string
	duration  time.Duration
	skipped   bool
}

// runStep evaluates the condition, resolves input and parameters, invokes
// the tool and records the output in r.bindings. Any failure is returned as
// STEP_EXECUTION_FAILED wrapping the cause.
func (e *Engine) runStep(ctx context.Context, r stepRun) (*stepOutput, error) {
	step := r.step
	ctx = logging.WithStep(ctx, step.Name)
	sc := &StepContext{
		SessionID: r.sessionID,
		Workflow:  r.workflow.Name,
		Mode:      r.mode,
		Step:      step,
		Index:     r.index,
		Total:     r.total,
	}

	if step.Condition != "" {
		ok, err := e.evaluateCondition(ctx, step, r.bindings)
		if err != nil {
			return nil, e.stepFailed(ctx, sc, err)
		}
		if !ok {
			e.hooks.AfterStep(ctx, sc, &StepOutcome{Skipped: true})
			return &stepOutput{skipped: true}, nil
		}
	}

	input, err := e.interp.InterpolateInput(step.Input, r.bindings)
	if err != nil {
		return nil, e.stepFailed(ctx, sc, err)
	}
	if step.UsePreviousOutput && r.previous != nil {
		if input, err = splicePrevious(input, r.previous); err != nil {
			return nil, e.stepFailed(ctx, sc, err)
		}
	}
	sc.Input = input
	sc.Params = params.Resolve(step, r.workflow.Settings, r.overrides, e.config.Defaults)

	if err := e.hooks.BeforeStep(ctx, sc); err != nil {
		return nil, e.stepFailed(ctx, sc, err)
	}

	// A dispatched tool call runs to completion even if the caller goes away.
	callCtx := context.WithoutCancel(ctx)
	callCtx, span := tracing.StartStep(callCtx, e.tracer, step.Name, step.Tool, r.index)
	start := e.now()
	res, err := e.tools.Invoke(callCtx, step.Tool, tools.Request{
		Input: sc.Input,
		Options: tools.Options{
			Model:          sc.Params.Model,
			MaxTokens:      sc.Params.MaxTokens,
			Temperature:    sc.Params.Temperature,
			SkipValidation: e.config.SkipValidation,
		},
	})
	elapsed := e.now().Sub(start)
	if err != nil {
		tracing.End(span, err)
		return nil, e.stepFailed(ctx, sc, err)
	}
	model := res.ModelUsed
	if model == "" {
		model = sc.Params.Model
	}

	ref, err := e.outputs.Persist(callCtx, output.PersistRequest{
		StepName:        step.Name,
		StepNumber:      r.index + 1,
		Content:         res.Text,
		SessionID:       r.sessionID,
		WorkflowName:    r.workflow.Name,
		ModelName:       model,
		Duration:        elapsed,
		ShouldPersist:   e.shouldPersist(step),
		OutputDirectory: e.config.OutputDirectory,
	})
	if err != nil {
		tracing.End(span, err)
		return nil, e.stepFailed(ctx, sc, err)
	}

	if err := r.bindings.AddStep(expressions.StepRecord{
		Name:     step.Name,
		Index:    r.index,
		Output:   ref,
		Model:    model,
		Duration: elapsed,
	}); err != nil {
		tracing.End(span, err)
		return nil, e.stepFailed(ctx, sc, err)
	}
	if v := step.Output.Variable; v != "" {
		val, err := e.captureOutput(callCtx, step, ref, res.Text)
		if err != nil {
			tracing.End(span, err)
			return nil, e.stepFailed(ctx, sc, err)
		}
		r.bindings.Set(v, val)
	}
	tracing.End(span, nil)

	out := &stepOutput{ref: ref, text: res.Text, modelUsed: model, duration: elapsed}
	e.hooks.AfterStep(ctx, sc, &StepOutcome{
		Text:      res.Text,
		ModelUsed: model,
		Duration:  elapsed,
		Reference: ref,
	})
	return out, nil
}

func (e *Engine) evaluateCondition(ctx context.Context, step *schema.WorkflowStep, b *expressions.BindingContext) (bool, error) {
	data, err := b.ConditionData()
	if err != nil {
		return false, err
	}
	return e.conds.Evaluate(ctx, step.ConditionEngine, step.Condition, data)
}

// captureOutput returns the value bound to output.variable: the jq
// extraction when configured, otherwise the output reference itself so the
// full text is read back only when interpolated.
func (e *Engine) captureOutput(ctx context.Context, step *schema.WorkflowStep, ref *output.Reference, text string) (any, error) {
	if step.Output.Extract == "" {
		return ref, nil
	}
	return e.jq.Extract(ctx, step.Output.Extract, text)
}

func (e *Engine) shouldPersist(step *schema.WorkflowStep) bool {
	if step.Persist != nil {
		return *step.Persist
	}
	return e.config.PersistOutputs
}

// stepFailed wraps cause as STEP_EXECUTION_FAILED and notifies hooks.
func (e *Engine) stepFailed(ctx context.Context, sc *StepContext, cause error) error {
	err := schema.NewError(schema.ErrCodeStepFailed, cause.Error()).
		WithStep(sc.Step.Name, sc.Index).
		WithCause(cause).
		WithDetails(map[string]any{"tool": sc.Step.Tool})
	if code := schema.CodeOf(cause); code != "" {
		err.WithDetails(map[string]any{"cause_code": code})
	}
	e.hooks.OnStepFailure(ctx, sc, err)
	return err
}

// splicePrevious feeds the preceding step's full output into input.
func splicePrevious(in schema.StepInput, prev expressions.TextHandle) (schema.StepInput, error) {
	text, err := prev.Text()
	if err != nil {
		return in, err
	}
	switch in.Kind() {
	case schema.InputStructured:
		fields := make(map[string]any, len(in.Fields())+1)
		for k, v := range in.Fields() {
			fields[k] = v
		}
		if _, exists := fields[previousOutputField]; !exists {
			fields[previousOutputField] = text
		}
		return schema.StructuredInput(fields), nil
	case schema.InputText:
		var b strings.Builder
		b.WriteString(in.Text())
		b.WriteString("\n\nPrevious step output:\n")
		b.WriteString(text)
		return schema.TextInput(b.String()), nil
	default:
		return schema.TextInput(text), nil
	}
}

// display truncates text for returning to a caller. Persisted and bound
// text is never truncated.
func display(text string, maxTokens int) string {
	return output.Truncate(text, maxTokens)
}
