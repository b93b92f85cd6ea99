package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// archiveSession writes the session row. Archive failures never fail the
// workflow; they are logged and dropped.
func (e *Engine) archiveSession(ctx context.Context, s *session.Session, mode, status, summary string) {
	if e.archive == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	snap := s.Snapshot()
	now := e.now()

	rec := &store.SessionRecord{
		ID:             s.ID,
		Workflow:       snap.Workflow,
		Query:          snap.Query,
		Mode:           mode,
		Status:         status,
		TotalSteps:     snap.TotalSteps,
		CompletedSteps: len(snap.Outputs),
		Summary:        summary,
		OutputDir:      s.OutputDirectory,
		StartedAt:      snap.StartTime,
		UpdatedAt:      now,
	}
	if snap.Error != nil {
		rec.ErrorCode = snap.Error.Code
		rec.ErrorMessage = snap.Error.Message
		idx := snap.Error.StepIndex
		rec.ErrorStep = &idx
	}
	if status != string(schema.SessionRunning) {
		rec.FinishedAt = &now
	}
	if err := e.archive.SaveSession(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "archive session failed", slog.String("error", err.Error()))
	}
}

// archiveStep indexes one step outcome. out is nil when the step failed.
func (e *Engine) archiveStep(ctx context.Context, sessionID string, idx int, step *schema.WorkflowStep, out *stepOutput, stepErr error) {
	if e.archive == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	rec := &store.StepOutputRecord{
		SessionID: sessionID,
		StepIndex: idx,
		StepName:  step.Name,
		Tool:      step.Tool,
		Status:    store.StepCompleted,
		CreatedAt: e.now(),
	}
	switch {
	case stepErr != nil:
		rec.Status = store.StepFailed
		rec.Error = stepErr.Error()
	case out == nil || out.skipped:
		rec.Status = store.StepSkipped
	default:
		rec.ModelUsed = out.modelUsed
		rec.Duration = out.duration
		if out.ref != nil {
			rec.Summary = out.ref.Summary()
			rec.Path = out.ref.Path
			rec.Size = out.ref.Size
		}
	}
	if err := e.archive.SaveStepOutput(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "archive step output failed",
			slog.String("step", step.Name),
			slog.String("error", err.Error()),
		)
	}
}
