package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/stepwise/internal/output"
	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/pkg/schema"
)

// Execution modes reported to hooks and the archive.
const (
	ModeStepByStep = "step_by_step"
	ModeRun        = "run"
)

// StepContext describes the step about to run. BeforeStep hooks may replace
// Input; the engine invokes the tool with whatever Input holds afterwards.
type StepContext struct {
	SessionID string
	Workflow  string
	Mode      string
	Step      *schema.WorkflowStep
	Index     int
	Total     int
	Input     schema.StepInput
	Params    params.Parameters
}

// StepOutcome is what a step produced.
type StepOutcome struct {
	Text      string
	ModelUsed string
	Duration  time.Duration
	Skipped   bool
	Reference *output.Reference
}

// StepHook observes step execution. A BeforeStep error fails the step.
type StepHook interface {
	BeforeStep(ctx context.Context, sc *StepContext) error
	AfterStep(ctx context.Context, sc *StepContext, out *StepOutcome)
	OnStepFailure(ctx context.Context, sc *StepContext, err error)
}

// SessionHook is optionally implemented by hooks that track session lifecycles.
// status is "running" on start, then "completed", "failed" or "expired".
type SessionHook interface {
	SessionStarted(ctx context.Context, sessionID, workflow, mode string)
	SessionFinished(ctx context.Context, sessionID, workflow, mode, status string)
}

// Hooks fans calls out to every registered hook in order.
type Hooks []StepHook

func (h Hooks) BeforeStep(ctx context.Context, sc *StepContext) error {
	for _, hook := range h {
		if err := hook.BeforeStep(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

func (h Hooks) AfterStep(ctx context.Context, sc *StepContext, out *StepOutcome) {
	for _, hook := range h {
		hook.AfterStep(ctx, sc, out)
	}
}

func (h Hooks) OnStepFailure(ctx context.Context, sc *StepContext, err error) {
	for _, hook := range h {
		hook.OnStepFailure(ctx, sc, err)
	}
}

func (h Hooks) sessionStarted(ctx context.Context, sessionID, workflow, mode string) {
	for _, hook := range h {
		if sh, ok := hook.(SessionHook); ok {
			sh.SessionStarted(ctx, sessionID, workflow, mode)
		}
	}
}

func (h Hooks) sessionFinished(ctx context.Context, sessionID, workflow, mode, status string) {
	for _, hook := range h {
		if sh, ok := hook.(SessionHook); ok {
			sh.SessionFinished(ctx, sessionID, workflow, mode, status)
		}
	}
}

// LoggingHook logs step boundaries. Correlation values come from the context.
type LoggingHook struct {
	Logger *slog.Logger
}

func (l LoggingHook) BeforeStep(ctx context.Context, sc *StepContext) error {
	l.Logger.DebugContext(ctx, "step starting",
		slog.String("tool", sc.Step.Tool),
		slog.Int("index", sc.Index),
		slog.Int("total", sc.Total),
		slog.String("model", sc.Params.Model),
	)
	return nil
}

func (l LoggingHook) AfterStep(ctx context.Context, sc *StepContext, out *StepOutcome) {
	if out.Skipped {
		l.Logger.InfoContext(ctx, "step skipped", slog.String("condition", sc.Step.Condition))
		return
	}
	l.Logger.InfoContext(ctx, "step completed",
		slog.String("tool", sc.Step.Tool),
		slog.String("model_used", out.ModelUsed),
		slog.Duration("duration", out.Duration),
		slog.Int("tokens", output.EstimateTokens(out.Text)),
	)
}

func (l LoggingHook) OnStepFailure(ctx context.Context, sc *StepContext, err error) {
	l.Logger.ErrorContext(ctx, "step failed",
		slog.String("tool", sc.Step.Tool),
		slog.Int("index", sc.Index),
		slog.String("error", err.Error()),
	)
}
