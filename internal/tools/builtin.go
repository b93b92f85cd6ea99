package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

// Builtin tool names.
const (
	EchoTool       = "echo"
	SynthesizeTool = "synthesize"
)

// RegisterBuiltins adds the tools that need no external provider.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []Tool{
		&Func{ToolName: EchoTool, Desc: "Returns its input as text.", Fn: echo},
		&Func{ToolName: SynthesizeTool, Desc: "Joins prior step summaries into one condensed context block.", Fn: synthesize},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func echo(_ context.Context, req Request) (*Result, error) {
	if req.Input.Kind() == schema.InputStructured {
		if p, ok := req.Input.Fields()["prompt"].(string); ok {
			return &Result{Text: p}, nil
		}
	}
	return &Result{Text: req.Input.String()}, nil
}

// synthesize expects structured input with a "sections" map of name to text
// and an optional "instructions" string.
func synthesize(_ context.Context, req Request) (*Result, error) {
	if req.Input.Kind() != schema.InputStructured {
		return &Result{Text: req.Input.String()}, nil
	}
	fields := req.Input.Fields()

	var b strings.Builder
	if instr, ok := fields["instructions"].(string); ok && instr != "" {
		b.WriteString(instr)
		b.WriteString("\n\n")
	}

	sections, _ := fields["sections"].(map[string]any)
	order, _ := fields["order"].([]any)
	if len(order) == 0 {
		for name := range sections {
			order = append(order, name)
		}
		sort.Slice(order, func(i, j int) bool { return fmt.Sprint(order[i]) < fmt.Sprint(order[j]) })
	}
	for _, n := range order {
		name := fmt.Sprint(n)
		text, ok := sections[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%v\n\n", name, text)
	}
	return &Result{Text: strings.TrimSpace(b.String())}, nil
}
