package expressions

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// TextHandle is a bound value whose full text lives outside the binding context,
// typically a persisted step output. Interpolation resolves it to its full text.
type TextHandle interface {
	Text() (string, error)
	Summary() string
}

// StepRecord is the binding-context view of a completed step.
type StepRecord struct {
	Name     string
	Index    int
	Output   TextHandle
	Model    string
	Duration time.Duration
}

// Bindings resolves dotted reference paths to bound values.
type Bindings interface {
	Lookup(path string) (any, bool)
}

// BindingContext is the mutable variable namespace of one workflow execution:
// caller variables, captured output variables and per-step records.
//
// Step records are append-only: a step name can be registered once.
// Caller-provided nested values are never mutated and are shared by reference.
type BindingContext struct {
	mu    sync.RWMutex
	vars  map[string]any
	steps map[string]StepRecord
	order []string
}

// NewBindingContext seeds a context with the given variables.
func NewBindingContext(vars map[string]any) *BindingContext {
	bc := &BindingContext{
		vars:  make(map[string]any, len(vars)),
		steps: make(map[string]StepRecord),
	}
	for k, v := range vars {
		bc.vars[k] = v
	}
	return bc
}

// Set binds (or rebinds) a variable.
func (bc *BindingContext) Set(name string, value any) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.vars[name] = value
}

// Var returns a variable's bound value.
func (bc *BindingContext) Var(name string) (any, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	v, ok := bc.vars[name]
	return v, ok
}

// AddStep registers a completed step. A second registration for the same name is rejected.
func (bc *BindingContext) AddStep(rec StepRecord) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if _, exists := bc.steps[rec.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already registered; step outputs are append-only", rec.Name)
	}
	bc.steps[rec.Name] = rec
	bc.order = append(bc.order, rec.Name)
	return nil
}

// Step returns the record for a completed step.
func (bc *BindingContext) Step(name string) (StepRecord, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	rec, ok := bc.steps[name]
	return rec, ok
}

// Steps returns the completed step records in registration order.
func (bc *BindingContext) Steps() []StepRecord {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	out := make([]StepRecord, 0, len(bc.order))
	for _, name := range bc.order {
		out = append(out, bc.steps[name])
	}
	return out
}

// Names returns every bound name (variables and steps), sorted.
func (bc *BindingContext) Names() []string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	seen := make(map[string]struct{}, len(bc.vars)+len(bc.steps))
	for k := range bc.vars {
		seen[k] = struct{}{}
	}
	for k := range bc.steps {
		seen[k] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves a reference path. Resolution order: exact variable key,
// then step record fields (<step>.output, .model, .summary, .duration_ms, .step),
// then dotted traversal into nested variable values.
func (bc *BindingContext) Lookup(path string) (any, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	if v, ok := bc.vars[path]; ok {
		return v, true
	}

	head, rest, _ := strings.Cut(path, ".")
	if rec, ok := bc.steps[head]; ok {
		if v, ok := stepField(rec, rest); ok {
			return v, true
		}
	}
	if v, ok := bc.vars[head]; ok && rest != "" {
		return traversePath(v, rest)
	}
	return nil, false
}

func stepField(rec StepRecord, field string) (any, bool) {
	switch field {
	case "", "output":
		return rec.Output, rec.Output != nil
	case "summary":
		if rec.Output == nil {
			return nil, false
		}
		return rec.Output.Summary(), true
	case "model":
		return rec.Model, true
	case "duration_ms":
		return rec.Duration.Milliseconds(), true
	case "step":
		return rec.Index + 1, true
	default:
		return nil, false
	}
}

// Fork returns an isolated copy for a parallel branch. Branch-local
// registrations do not leak to siblings until merged.
func (bc *BindingContext) Fork() *BindingContext {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	child := &BindingContext{
		vars:  make(map[string]any, len(bc.vars)),
		steps: make(map[string]StepRecord, len(bc.steps)),
		order: append([]string(nil), bc.order...),
	}
	for k, v := range bc.vars {
		child.vars[k] = v
	}
	for k, v := range bc.steps {
		child.steps[k] = v
	}
	return child
}

// Merge adds names introduced by a forked branch. Existing names are preserved.
func (bc *BindingContext) Merge(branch *BindingContext) {
	branch.mu.RLock()
	vars := make(map[string]any, len(branch.vars))
	for k, v := range branch.vars {
		vars[k] = v
	}
	var recs []StepRecord
	for _, name := range branch.order {
		recs = append(recs, branch.steps[name])
	}
	branch.mu.RUnlock()

	bc.mu.Lock()
	defer bc.mu.Unlock()
	for k, v := range vars {
		if _, exists := bc.vars[k]; !exists {
			bc.vars[k] = v
		}
	}
	for _, rec := range recs {
		if _, exists := bc.steps[rec.Name]; !exists {
			bc.steps[rec.Name] = rec
			bc.order = append(bc.order, rec.Name)
		}
	}
}

// ConditionData builds the activation passed to condition engines:
// "vars" holds every variable (text handles resolved to their full text)
// and "steps" holds per-step output/model/duration_ms maps.
func (bc *BindingContext) ConditionData() (map[string]any, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()

	vars := make(map[string]any, len(bc.vars))
	for k, v := range bc.vars {
		if h, ok := v.(TextHandle); ok {
			text, err := h.Text()
			if err != nil {
				return nil, err
			}
			v = text
		}
		vars[k] = v
	}

	steps := make(map[string]any, len(bc.steps))
	for name, rec := range bc.steps {
		entry := map[string]any{
			"model":       rec.Model,
			"duration_ms": rec.Duration.Milliseconds(),
		}
		if rec.Output != nil {
			text, err := rec.Output.Text()
			if err != nil {
				return nil, err
			}
			entry["output"] = text
		}
		steps[name] = entry
	}

	return map[string]any{"vars": vars, "steps": steps}, nil
}

// MapBindings adapts a plain map to Bindings with dotted traversal.
type MapBindings map[string]any

func (m MapBindings) Lookup(path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	return traversePath(map[string]any(m), path)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case map[string]string:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		default:
			return nil, false
		}
	}
	return current, true
}
