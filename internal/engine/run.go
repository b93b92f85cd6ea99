package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/output"
	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/internal/tracing"
	"github.com/rendis/stepwise/pkg/schema"
)

// synthesisStepName names the step inserted when accumulated output crosses
// the synthesis trigger.
const synthesisStepName = "synthesis"

const synthesisInstructions = "Condense the step outputs below into a compact context that preserves every fact later steps may need."

// RunOptions configure ExecuteWorkflow.
type RunOptions struct {
	Variables     map[string]any
	TruncateSteps bool
	MaxStepTokens int
	Overrides     params.Overrides
}

// StepReport is one entry of a RunResult.
type StepReport struct {
	Step        int           `json:"step"` // 1-based declaration position; 0 for inserted synthesis
	Name        string        `json:"name"`
	Tool        string        `json:"tool"`
	Output      string        `json:"output,omitempty"`
	ModelUsed   string        `json:"model_used,omitempty"`
	Duration    time.Duration `json:"duration"`
	Skipped     bool          `json:"skipped,omitempty"`
	Synthesized bool          `json:"synthesized,omitempty"`
	Parallel    bool          `json:"parallel,omitempty"`
}

// RunResult is the outcome of a run-to-completion execution.
type RunResult struct {
	SessionID    string        `json:"session_id"`
	WorkflowName string        `json:"workflow_name"`
	FinalOutput  string        `json:"final_output"`
	Steps        []StepReport  `json:"steps"`
	Duration     time.Duration `json:"duration"`
}

// stepGroup is a half-open range of step indexes executed together.
type stepGroup struct {
	start, end int
	parallel   bool
}

// groupSteps splits steps into runs of consecutive parallel steps and
// single sequential steps, in declaration order.
func groupSteps(steps []schema.WorkflowStep) []stepGroup {
	var groups []stepGroup
	for i := 0; i < len(steps); {
		if !steps[i].Parallel {
			groups = append(groups, stepGroup{start: i, end: i + 1})
			i++
			continue
		}
		j := i
		for j < len(steps) && steps[j].Parallel {
			j++
		}
		groups = append(groups, stepGroup{start: i, end: j, parallel: j-i > 1})
		i = j
	}
	return groups
}

// runState carries a run-to-completion execution between groups.
type runState struct {
	s           *session.Session
	opts        RunOptions
	reports     []StepReport
	sections    map[string]any
	order       []any
	tokens      int
	synthesized bool
	truncate    bool
	budget      int
}

// ExecuteWorkflow runs every step of a workflow in one call. The session is
// transient: it is archived but never stored for ContinueWorkflow.
func (e *Engine) ExecuteWorkflow(ctx context.Context, name, query string, opts RunOptions) (*RunResult, error) {
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}
	def, err := e.catalog.Get(name)
	if err != nil {
		return nil, err
	}

	start := e.now()
	s := session.New(session.NewID(), def, query, opts.Variables, e.config.OutputDirectory, start)
	ctx = logging.WithSession(ctx, s.ID, def.Name)
	ctx, span := tracing.StartWorkflow(ctx, e.tracer, s.ID, def.Name, ModeRun)
	defer span.End()

	e.archiveSession(ctx, s, ModeRun, string(schema.SessionRunning), "")
	e.hooks.sessionStarted(ctx, s.ID, def.Name, ModeRun)
	e.logger.InfoContext(ctx, "workflow run started", slog.Int("total_steps", s.TotalSteps()))

	opt := def.Settings.Optimization
	st := &runState{
		s:        s,
		opts:     opts,
		sections: make(map[string]any),
		truncate: opts.TruncateSteps || opt.TruncateSteps,
		budget:   firstPositive(opts.MaxStepTokens, opt.MaxStepTokens, e.config.MaxStepTokens),
	}

	groups := groupSteps(def.Steps)
	for gi, g := range groups {
		if err := ctx.Err(); err != nil {
			cause := schema.NewError(schema.ErrCodeExecution, "workflow run cancelled").WithCause(err)
			e.failSession(ctx, s, ModeRun, &def.Steps[g.start], g.start, cause)
			tracing.End(span, cause)
			return nil, cause
		}

		var runErr error
		if g.parallel {
			runErr = e.runParallelGroup(ctx, st, g)
		} else {
			runErr = e.runSequentialStep(ctx, st, g.start)
		}
		if runErr != nil {
			tracing.End(span, runErr)
			return nil, runErr
		}

		if e.shouldSynthesize(st, def, gi < len(groups)-1) {
			if err := e.runSynthesis(ctx, st, g.end); err != nil {
				tracing.End(span, err)
				return nil, err
			}
		}
	}

	res := &RunResult{
		SessionID:    s.ID,
		WorkflowName: def.Name,
		Steps:        st.reports,
	}
	if prev := s.Previous(); prev != nil {
		text, err := prev.Text()
		if err != nil {
			serr := schema.NewError(schema.ErrCodeExecution, "load final output: "+err.Error()).WithCause(err)
			tracing.End(span, serr)
			return nil, serr
		}
		res.FinalOutput = text
	}
	if _, err := e.completeSession(ctx, s, ModeRun); err != nil {
		tracing.End(span, err)
		return nil, err
	}
	res.Duration = e.now().Sub(start)
	tracing.End(span, nil)
	return res, nil
}

func (e *Engine) runSequentialStep(ctx context.Context, st *runState, idx int) error {
	s := st.s
	step := &s.Workflow.Steps[idx]
	r := e.newRunStep(st, idx, s.Bindings)

	out, err := e.runStep(ctx, r)
	if err != nil {
		e.failSession(ctx, s, ModeRun, step, idx, err)
		return err
	}
	e.recordRunOutput(ctx, st, idx, step, out, false)
	return nil
}

// runParallelGroup executes a group on forked bindings and merges the
// branches back in declaration order once every branch has finished.
func (e *Engine) runParallelGroup(ctx context.Context, st *runState, g stepGroup) error {
	s := st.s
	n := g.end - g.start
	branches := make([]*expressions.BindingContext, n)
	outs := make([]*stepOutput, n)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.config.MaxParallel)
	for i := range n {
		idx := g.start + i
		branches[i] = s.Bindings.Fork()
		r := e.newRunStep(st, idx, branches[i])
		eg.Go(func() error {
			out, err := e.runStep(gctx, r)
			if err != nil {
				return err
			}
			outs[i] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		idx := failedStepIndex(err, g.start)
		e.failSession(ctx, s, ModeRun, &s.Workflow.Steps[idx], idx, err)
		return err
	}

	for i := range n {
		idx := g.start + i
		s.Bindings.Merge(branches[i])
		e.recordRunOutput(ctx, st, idx, &s.Workflow.Steps[idx], outs[i], true)
	}
	return nil
}

func (e *Engine) newRunStep(st *runState, idx int, bindings *expressions.BindingContext) stepRun {
	s := st.s
	r := stepRun{
		sessionID: s.ID,
		workflow:  s.Workflow,
		mode:      ModeRun,
		step:      &s.Workflow.Steps[idx],
		index:     idx,
		total:     s.TotalSteps(),
		bindings:  bindings,
		overrides: st.opts.Overrides,
	}
	if prev := s.Previous(); prev != nil {
		r.previous = prev
	}
	return r
}

func (e *Engine) recordRunOutput(ctx context.Context, st *runState, idx int, step *schema.WorkflowStep, out *stepOutput, parallel bool) {
	report := StepReport{
		Step:     idx + 1,
		Name:     step.Name,
		Tool:     step.Tool,
		Skipped:  out.skipped,
		Parallel: parallel,
	}
	if !out.skipped {
		st.s.RecordOutput(step.Name, out.ref)
		st.tokens += output.EstimateTokens(out.text)
		st.sections[step.Name] = out.text
		st.order = append(st.order, step.Name)
		report.Output = st.reportText(out.text)
		report.ModelUsed = out.modelUsed
		report.Duration = out.duration
	}
	st.reports = append(st.reports, report)
	e.archiveStep(ctx, st.s.ID, idx, step, out, nil)
}

func (st *runState) reportText(text string) string {
	if !st.truncate {
		return text
	}
	return display(text, st.budget)
}

// shouldSynthesize reports whether the synthesis step is due: it is enabled,
// has not run yet, the trigger is crossed and steps remain to consume it.
func (e *Engine) shouldSynthesize(st *runState, def *schema.WorkflowDefinition, moreGroups bool) bool {
	opt := def.Settings.Optimization
	if !opt.EnableSynthesis || st.synthesized || !moreGroups {
		return false
	}
	if opt.SynthesisTokenTrigger <= 0 || st.tokens < opt.SynthesisTokenTrigger {
		return false
	}
	if step, _ := def.StepByName(synthesisStepName); step != nil {
		e.logger.WarnContext(context.Background(), "synthesis skipped: workflow declares a step with the reserved name",
			slog.String("step", synthesisStepName))
		return false
	}
	return true
}

// runSynthesis condenses every output produced so far into one step whose
// output becomes the previous output for the remaining steps.
func (e *Engine) runSynthesis(ctx context.Context, st *runState, before int) error {
	s := st.s
	tool := s.Workflow.Settings.Optimization.SynthesisTool
	if tool == "" {
		tool = tools.SynthesizeTool
	}
	step := &schema.WorkflowStep{
		Name: synthesisStepName,
		Tool: tool,
		Input: schema.StructuredInput(map[string]any{
			"instructions": synthesisInstructions,
			"sections":     st.sections,
			"order":        st.order,
		}),
	}
	st.synthesized = true
	e.logger.InfoContext(ctx, "inserting synthesis step",
		slog.Int("accumulated_tokens", st.tokens),
		slog.String("tool", tool),
	)

	out, err := e.runStep(ctx, stepRun{
		sessionID: s.ID,
		workflow:  s.Workflow,
		mode:      ModeRun,
		step:      step,
		index:     before,
		total:     s.TotalSteps(),
		bindings:  s.Bindings,
		overrides: st.opts.Overrides,
	})
	if err != nil {
		e.failSession(ctx, s, ModeRun, step, before, err)
		return err
	}

	s.RecordOutput(step.Name, out.ref)
	st.reports = append(st.reports, StepReport{
		Name:        step.Name,
		Tool:        tool,
		Output:      st.reportText(out.text),
		ModelUsed:   out.modelUsed,
		Duration:    out.duration,
		Synthesized: true,
	})
	e.archiveStep(ctx, s.ID, before, step, out, nil)
	return nil
}

// failedStepIndex returns the step index carried by a step failure.
func failedStepIndex(err error, fallback int) int {
	var se *schema.Error
	if errors.As(err, &se) && se.StepIndex != nil {
		return *se.StepIndex
	}
	return fallback
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
