package engine

import (
	"context"
	"time"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/internal/tracing"
	"github.com/rendis/stepwise/pkg/schema"
)

// StartOptions configure StartWorkflowStepByStep.
type StartOptions struct {
	Variables map[string]any
}

// StepResult is returned by every step-by-step call.
type StepResult struct {
	SessionID  string             `json:"session_id"`
	Step       int                `json:"step"` // 1-based
	TotalSteps int                `json:"total_steps"`
	StepName   string             `json:"step_name"`
	Output     string             `json:"output"`
	HasMore    bool               `json:"has_more"`
	Duration   time.Duration      `json:"duration"`
	ModelUsed  string             `json:"model_used,omitempty"`
	Skipped    bool               `json:"skipped,omitempty"`
	Completion *CompletionSummary `json:"completion,omitempty"`
}

// StartWorkflowStepByStep creates a session and executes its first step.
func (e *Engine) StartWorkflowStepByStep(ctx context.Context, name, query string, opts StartOptions) (*StepResult, error) {
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}
	def, err := e.catalog.Get(name)
	if err != nil {
		return nil, err
	}

	id := session.NewID()
	if !session.ValidID(id) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "generated session id %q is malformed", id)
	}
	s := session.New(id, def, query, opts.Variables, e.config.OutputDirectory, e.now())

	release, err := e.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx = logging.WithSession(ctx, id, def.Name)
	ctx, span := tracing.StartWorkflow(ctx, e.tracer, id, def.Name, ModeStepByStep)
	defer span.End()

	e.sessions.Put(s)
	e.archiveSession(ctx, s, ModeStepByStep, string(schema.SessionRunning), "")
	e.hooks.sessionStarted(ctx, id, def.Name, ModeStepByStep)
	e.logger.InfoContext(ctx, "session started", "total_steps", s.TotalSteps())

	if s.TotalSteps() == 0 {
		return e.finishEmpty(ctx, s)
	}
	return e.executeSessionStep(ctx, s, 0)
}

// ContinueWorkflow executes the next step of a running session. Concurrent
// calls for one session are serialized in arrival order.
func (e *Engine) ContinueWorkflow(ctx context.Context, sessionID string) (*StepResult, error) {
	if !session.ValidID(sessionID) {
		return nil, invalidSessionID(sessionID)
	}
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}

	release, err := e.locks.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Shutdown may have cleared the lock while we waited.
	if err := e.errIfClosed(); err != nil {
		return nil, err
	}

	s, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	ctx = logging.WithSession(ctx, s.ID, s.Workflow.Name)

	if status := s.Status(); status != schema.SessionRunning {
		return nil, schema.NewErrorf(schema.ErrCodeSessionNotRunning,
			"session %s is %s", sessionID, status).
			WithDetails(map[string]any{"status": string(status)})
	}

	now := e.now()
	if s.IdleSince(now, e.config.IdleTimeout) {
		e.sessions.Delete(sessionID)
		if s.Finalize() {
			e.archiveSession(ctx, s, ModeStepByStep, "expired", "")
			e.hooks.sessionFinished(ctx, s.ID, s.Workflow.Name, ModeStepByStep, "expired")
			e.logger.InfoContext(ctx, "session expired on continue")
		}
		return nil, sessionExpired(sessionID, e.config.IdleTimeout)
	}
	s.Touch(now)

	ctx, span := tracing.StartWorkflow(ctx, e.tracer, s.ID, s.Workflow.Name, ModeStepByStep)
	defer span.End()

	idx := s.Advance()
	if idx >= s.TotalSteps() {
		return e.finishEmpty(ctx, s)
	}
	return e.executeSessionStep(ctx, s, idx)
}

// executeSessionStep runs step idx of s. Callers hold the session lock.
// Executing the last step completes the session in the same call.
func (e *Engine) executeSessionStep(ctx context.Context, s *session.Session, idx int) (*StepResult, error) {
	step := &s.Workflow.Steps[idx]
	total := s.TotalSteps()

	r := stepRun{
		sessionID: s.ID,
		workflow:  s.Workflow,
		mode:      ModeStepByStep,
		step:      step,
		index:     idx,
		total:     total,
		bindings:  s.Bindings,
	}
	if prev := s.Previous(); prev != nil {
		r.previous = prev
	}

	out, err := e.runStep(ctx, r)
	if err != nil {
		if !e.failSession(ctx, s, ModeStepByStep, step, idx, err) {
			return nil, sessionExpired(s.ID, e.config.IdleTimeout)
		}
		return nil, err
	}
	// The reaper may have expired the session while the tool was running.
	if s.Finalized() {
		return nil, sessionExpired(s.ID, e.config.IdleTimeout)
	}

	res := &StepResult{
		SessionID:  s.ID,
		Step:       idx + 1,
		TotalSteps: total,
		StepName:   step.Name,
		HasMore:    idx < total-1,
		Skipped:    out.skipped,
	}
	if !out.skipped {
		s.RecordOutput(step.Name, out.ref)
		res.Output = display(out.text, e.config.DisplayTokens)
		res.Duration = out.duration
		res.ModelUsed = out.modelUsed
	}
	s.Touch(e.now())
	e.archiveStep(ctx, s.ID, idx, step, out, nil)

	if !res.HasMore {
		summary, err := e.completeSession(ctx, s, ModeStepByStep)
		if err != nil {
			return nil, err
		}
		res.Completion = summary
	}
	return res, nil
}

// finishEmpty completes a session that has no step left to run.
func (e *Engine) finishEmpty(ctx context.Context, s *session.Session) (*StepResult, error) {
	summary, err := e.completeSession(ctx, s, ModeStepByStep)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		SessionID:  s.ID,
		Step:       s.TotalSteps(),
		TotalSteps: s.TotalSteps(),
		HasMore:    false,
		Completion: summary,
	}, nil
}

// completeSession moves s to completed, archives it and, for stored
// sessions, schedules removal after the completion grace period. A session
// the reaper already expired yields SESSION_EXPIRED instead.
func (e *Engine) completeSession(ctx context.Context, s *session.Session, mode string) (*CompletionSummary, error) {
	if !s.Finalize() {
		return nil, sessionExpired(s.ID, e.config.IdleTimeout)
	}
	if err := e.fsm.Transition(ctx, s, schema.SessionCompleted, nil); err != nil {
		return nil, err
	}
	summary := buildCompletionSummary(s, e.now())
	e.archiveSession(ctx, s, mode, string(schema.SessionCompleted), summary.Text)
	e.hooks.sessionFinished(ctx, s.ID, s.Workflow.Name, mode, string(schema.SessionCompleted))
	e.logger.InfoContext(ctx, "session completed",
		"executed_steps", summary.ExecutedSteps,
		"skipped_steps", summary.SkippedSteps,
		"duration", summary.Duration,
	)
	if mode == ModeStepByStep {
		e.scheduleRemoval(s.ID, e.config.CompletionGrace)
	}
	return summary, nil
}

// failSession records a step failure on s. A stored session stays
// queryable until FailedRetention elapses. It returns false when the session
// was already finalized, typically expired by the reaper mid-step.
func (e *Engine) failSession(ctx context.Context, s *session.Session, mode string, step *schema.WorkflowStep, idx int, stepErr error) bool {
	if !s.Finalize() {
		return false
	}
	serr := &schema.SessionError{
		Code:      schema.ErrCodeStepFailed,
		Message:   stepErr.Error(),
		StepIndex: idx,
	}
	if err := e.fsm.Transition(ctx, s, schema.SessionFailed, serr); err != nil {
		e.logger.WarnContext(ctx, "failed session transition rejected", "error", err)
		return true
	}
	e.archiveStep(ctx, s.ID, idx, step, nil, stepErr)
	e.archiveSession(ctx, s, mode, string(schema.SessionFailed), "")
	e.hooks.sessionFinished(ctx, s.ID, s.Workflow.Name, mode, string(schema.SessionFailed))
	if mode == ModeStepByStep {
		e.scheduleRemoval(s.ID, e.config.FailedRetention)
	}
	return true
}
