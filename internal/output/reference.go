// Package output persists step outputs and hands the engine bounded references to them.
package output

import (
	"fmt"
	"os"
	"time"
)

// Reference points at one step's output. Persisted outputs keep only their
// summary in memory; the full text is read back from disk on demand.
type Reference struct {
	StepName   string        `json:"step_name"`
	StepNumber int           `json:"step_number"`
	ModelUsed  string        `json:"model_used,omitempty"`
	Duration   time.Duration `json:"duration"`
	Path       string        `json:"path,omitempty"`
	Size       int           `json:"size"`

	summary string
	inline  string
	offset  int64
}

// NewInlineReference wraps text held in memory.
func NewInlineReference(step string, number int, text string, summaryChars int) *Reference {
	return &Reference{
		StepName:   step,
		StepNumber: number,
		Size:       len(text),
		summary:    Summarize(text, summaryChars),
		inline:     text,
	}
}

// Summary returns the bounded summary.
func (r *Reference) Summary() string { return r.summary }

// Persisted reports whether the full text lives on disk.
func (r *Reference) Persisted() bool { return r.Path != "" }

// Text returns the full output text.
func (r *Reference) Text() (string, error) {
	if r.Path == "" {
		return r.inline, nil
	}
	b, err := os.ReadFile(r.Path)
	if err != nil {
		return "", fmt.Errorf("read output %s: %w", r.Path, err)
	}
	if r.offset > int64(len(b)) {
		return "", fmt.Errorf("read output %s: file truncated", r.Path)
	}
	return string(b[r.offset:]), nil
}
