package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// Registry is the thread-safe Invoker backing the engine. Every invocation
// passes through a per-tool circuit breaker.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	breakers *CircuitBreakerRegistry
}

// NewRegistry creates an empty Registry with the given breaker configuration.
func NewRegistry(cfg CircuitBreakerConfig) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		breakers: NewCircuitBreakerRegistry(cfg),
	}
}

// Register adds a tool. Returns a CONFLICT error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// RegisterProvider bulk-registers a provider's tools as "<prefix>.<name>".
func (r *Registry) RegisterProvider(prefix string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range tools {
		name := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[name]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "provider tool %q already registered", name)
		}
		r.tools[name] = &prefixedTool{inner: t, name: name}
		registered++
	}
	return registered, nil
}

// Unregister removes every tool whose name starts with "<prefix>.".
func (r *Registry) Unregister(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	p := prefix + "."
	for name := range r.tools {
		if len(name) > len(p) && name[:len(p)] == p {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name).
			WithDetails(map[string]any{"tool": name})
	}
	return tool, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{Name: t.Name(), Description: t.Description()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Breakers exposes the circuit breaker registry for diagnostics.
func (r *Registry) Breakers() *CircuitBreakerRegistry {
	return r.breakers
}

// Invoke validates input, consults the tool's circuit breaker and calls the tool.
// ModelUsed defaults to the requested model when the tool does not report one.
func (r *Registry) Invoke(ctx context.Context, name string, req Request) (*Result, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if v, ok := tool.(Validator); ok && !req.Options.SkipValidation {
		if err := v.Validate(req.Input); err != nil {
			return nil, err
		}
	}

	if err := r.breakers.AllowRequest(name); err != nil {
		return nil, err
	}

	res, err := tool.Invoke(ctx, req)
	if err != nil {
		r.breakers.RecordFailure(name)
		return nil, err
	}
	r.breakers.RecordSuccess(name)

	if res == nil {
		res = &Result{}
	}
	if res.ModelUsed == "" {
		res.ModelUsed = req.Options.Model
	}
	return res, nil
}

var _ Invoker = (*Registry)(nil)
