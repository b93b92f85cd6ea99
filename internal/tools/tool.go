// Package tools is the boundary between the workflow engine and the external
// capabilities its steps invoke.
package tools

import (
	"context"

	"github.com/rendis/stepwise/pkg/schema"
)

// Options carry the resolved invocation parameters.
type Options struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	SkipValidation bool
}

// Request is a single tool invocation.
type Request struct {
	Input   schema.StepInput
	Options Options
}

// Result is what a tool produced.
type Result struct {
	Text      string
	ModelUsed string
}

// Tool is a named capability a workflow step can invoke.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Validator is implemented by tools that check their input before invocation.
// Validation is skipped when Options.SkipValidation is set.
type Validator interface {
	Validate(input schema.StepInput) error
}

// Invoker is the engine's view of the tool boundary.
type Invoker interface {
	Invoke(ctx context.Context, name string, req Request) (*Result, error)
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Desc     string
	Fn       func(ctx context.Context, req Request) (*Result, error)
}

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Invoke(ctx context.Context, req Request) (*Result, error) {
	return f.Fn(ctx, req)
}

// prefixedTool exposes a provider's tool under "<provider>.<tool>".
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string        { return p.name }
func (p *prefixedTool) Description() string { return p.inner.Description() }

func (p *prefixedTool) Invoke(ctx context.Context, req Request) (*Result, error) {
	return p.inner.Invoke(ctx, req)
}

func (p *prefixedTool) Validate(input schema.StepInput) error {
	if v, ok := p.inner.(Validator); ok {
		return v.Validate(input)
	}
	return nil
}
