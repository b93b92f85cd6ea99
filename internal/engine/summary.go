package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/session"
)

// CompletionSummary closes a step-by-step session.
type CompletionSummary struct {
	SessionID       string        `json:"session_id"`
	Workflow        string        `json:"workflow"`
	TotalSteps      int           `json:"total_steps"`
	ExecutedSteps   int           `json:"executed_steps"`
	SkippedSteps    int           `json:"skipped_steps"`
	Duration        time.Duration `json:"duration"`
	OutputDirectory string        `json:"output_directory,omitempty"`
	Text            string        `json:"text"`
}

// buildCompletionSummary lists every recorded output by step, model and summary.
func buildCompletionSummary(s *session.Session, now time.Time) *CompletionSummary {
	refs := s.Outputs()
	cs := &CompletionSummary{
		SessionID:     s.ID,
		Workflow:      s.Workflow.Name,
		TotalSteps:    s.TotalSteps(),
		ExecutedSteps: len(refs),
		SkippedSteps:  s.TotalSteps() - len(refs),
		Duration:      now.Sub(s.StartTime).Round(time.Millisecond),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %q completed: %d of %d steps executed in %s.\n",
		cs.Workflow, cs.ExecutedSteps, cs.TotalSteps, cs.Duration)
	for i, ref := range refs {
		if ref.Persisted() && cs.OutputDirectory == "" {
			cs.OutputDirectory = filepath.Dir(ref.Path)
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, ref.StepName)
		if ref.ModelUsed != "" {
			fmt.Fprintf(&b, " [%s]", ref.ModelUsed)
		}
		if sum := ref.Summary(); sum != "" {
			b.WriteString("\n   ")
			b.WriteString(sum)
		}
	}
	if cs.OutputDirectory != "" {
		fmt.Fprintf(&b, "\n\nFull outputs: %s", cs.OutputDirectory)
	}
	cs.Text = b.String()
	return cs
}
