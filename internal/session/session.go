// Package session holds resumable workflow sessions and the machinery that
// serializes and reclaims them.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/output"
	"github.com/rendis/stepwise/pkg/schema"
)

// Session is the live state of one step-by-step workflow execution.
//
// Transitions are serialized by the session Lock; mu only guards field access
// so that snapshots and the reaper can read while a holder mutates.
type Session struct {
	ID              string
	Workflow        *schema.WorkflowDefinition
	Query           string
	Bindings        *expressions.BindingContext
	OutputDirectory string
	StartTime       time.Time

	mu               sync.RWMutex
	currentStepIndex int
	status           schema.SessionStatus
	lastUpdated      time.Time
	outputs          map[string]*output.Reference
	outputOrder      []string
	previous         *output.Reference
	err              *schema.SessionError

	finalized atomic.Bool
}

// New creates a running session positioned before its first step.
func New(id string, wf *schema.WorkflowDefinition, query string, vars map[string]any, outputDir string, now time.Time) *Session {
	seed := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		seed[k] = v
	}
	seed["query"] = query

	return &Session{
		ID:               id,
		Workflow:         wf,
		Query:            query,
		Bindings:         expressions.NewBindingContext(seed),
		OutputDirectory:  outputDir,
		StartTime:        now,
		currentStepIndex: 0,
		status:           schema.SessionRunning,
		lastUpdated:      now,
		outputs:          make(map[string]*output.Reference),
	}
}

// TotalSteps is the workflow's step count.
func (s *Session) TotalSteps() int { return len(s.Workflow.Steps) }

func (s *Session) CurrentStepIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStepIndex
}

// Advance moves to the next step. The index never exceeds TotalSteps.
func (s *Session) Advance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentStepIndex < len(s.Workflow.Steps) {
		s.currentStepIndex++
	}
	return s.currentStepIndex
}

func (s *Session) Status() schema.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus records a status change. Legality is checked by the caller's state machine.
func (s *Session) SetStatus(status schema.SessionStatus, serr *schema.SessionError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.err = serr
}

// Finalize claims the session's single terminal outcome: completed, failed
// or expired. Only the first caller gets true.
func (s *Session) Finalize() bool {
	return s.finalized.CompareAndSwap(false, true)
}

// Finalized reports whether a terminal outcome has been claimed.
func (s *Session) Finalized() bool {
	return s.finalized.Load()
}

func (s *Session) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// Touch advances LastUpdated. It never moves backwards.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastUpdated) {
		s.lastUpdated = now
	}
}

// IdleSince reports whether the session has been idle longer than timeout at now.
func (s *Session) IdleSince(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastUpdated()) > timeout
}

// RecordOutput stores a step's output reference and makes it the previous output.
// Outputs are append-only per step name.
func (s *Session) RecordOutput(step string, ref *output.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outputs[step]; !exists {
		s.outputOrder = append(s.outputOrder, step)
		s.outputs[step] = ref
	}
	s.previous = ref
}

// Output returns the reference recorded for a step.
func (s *Session) Output(step string) (*output.Reference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.outputs[step]
	return ref, ok
}

// Outputs returns the recorded references in execution order.
func (s *Session) Outputs() []*output.Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]*output.Reference, 0, len(s.outputOrder))
	for _, name := range s.outputOrder {
		refs = append(refs, s.outputs[name])
	}
	return refs
}

// Previous returns the most recent step output, or nil.
func (s *Session) Previous() *output.Reference {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.previous
}

// Snapshot is an immutable view of a session for callers.
type Snapshot struct {
	ID               string               `json:"session_id"`
	Workflow         string               `json:"workflow"`
	Query            string               `json:"query"`
	Status           schema.SessionStatus `json:"status"`
	CurrentStepIndex int                  `json:"current_step_index"`
	TotalSteps       int                  `json:"total_steps"`
	StartTime        time.Time            `json:"start_time"`
	LastUpdated      time.Time            `json:"last_updated"`
	OutputDirectory  string               `json:"output_directory,omitempty"`
	Outputs          []OutputSummary      `json:"outputs,omitempty"`
	Error            *schema.SessionError `json:"error,omitempty"`
}

// OutputSummary is the bounded view of one recorded step output.
type OutputSummary struct {
	Step      string        `json:"step"`
	ModelUsed string        `json:"model_used,omitempty"`
	Duration  time.Duration `json:"duration"`
	Summary   string        `json:"summary"`
	Path      string        `json:"path,omitempty"`
}

// Snapshot copies the session's current state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		ID:               s.ID,
		Workflow:         s.Workflow.Name,
		Query:            s.Query,
		Status:           s.status,
		CurrentStepIndex: s.currentStepIndex,
		TotalSteps:       len(s.Workflow.Steps),
		StartTime:        s.StartTime,
		LastUpdated:      s.lastUpdated,
		OutputDirectory:  s.OutputDirectory,
	}
	for _, name := range s.outputOrder {
		ref := s.outputs[name]
		snap.Outputs = append(snap.Outputs, OutputSummary{
			Step:      ref.StepName,
			ModelUsed: ref.ModelUsed,
			Duration:  ref.Duration,
			Summary:   ref.Summary(),
			Path:      ref.Path,
		})
	}
	if s.err != nil {
		e := *s.err
		snap.Error = &e
	}
	return snap
}
