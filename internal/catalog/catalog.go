// Package catalog holds the named workflow definitions available to the engine.
package catalog

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rendis/stepwise/pkg/schema"
)

// Catalog is a copy-on-write workflow registry. Reads never block; writers
// are serialized and publish a fresh map.
type Catalog struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]*schema.WorkflowDefinition]
}

// New returns an empty Catalog.
func New() *Catalog {
	c := &Catalog{}
	empty := map[string]*schema.WorkflowDefinition{}
	c.entries.Store(&empty)
	return c
}

// Register adds a definition. A name already present is a CONFLICT.
func (c *Catalog) Register(def *schema.WorkflowDefinition) error {
	return c.write(def, false)
}

// Replace adds or swaps a definition. Sessions that already hold the old
// pointer keep running against it.
func (c *Catalog) Replace(def *schema.WorkflowDefinition) error {
	return c.write(def, true)
}

func (c *Catalog) write(def *schema.WorkflowDefinition, replace bool) error {
	if def == nil || def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition requires a name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.entries.Load()
	if _, exists := cur[def.Name]; exists && !replace {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", def.Name)
	}

	next := make(map[string]*schema.WorkflowDefinition, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[def.Name] = def
	c.entries.Store(&next)
	return nil
}

// Remove deletes a definition, reporting whether it existed.
func (c *Catalog) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.entries.Load()
	if _, ok := cur[name]; !ok {
		return false
	}
	next := make(map[string]*schema.WorkflowDefinition, len(cur))
	for k, v := range cur {
		if k != name {
			next[k] = v
		}
	}
	c.entries.Store(&next)
	return true
}

// Get returns the named definition or WORKFLOW_NOT_FOUND.
func (c *Catalog) Get(name string) (*schema.WorkflowDefinition, error) {
	def, ok := (*c.entries.Load())[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWorkflowNotFound, "workflow %q not found", name).
			WithDetails(map[string]any{"available": c.Names()})
	}
	return def, nil
}

// Names returns registered workflow names, sorted.
func (c *Catalog) Names() []string {
	cur := *c.entries.Load()
	names := make([]string, 0, len(cur))
	for name := range cur {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary describes a catalog entry for listings.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Steps       int    `json:"steps"`
}

// List returns a summary of every definition, sorted by name.
func (c *Catalog) List() []Summary {
	cur := *c.entries.Load()
	out := make([]Summary, 0, len(cur))
	for _, def := range cur {
		out = append(out, Summary{
			Name:        def.Name,
			Description: def.Description,
			Version:     def.Version,
			Steps:       len(def.Steps),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered definitions.
func (c *Catalog) Len() int {
	return len(*c.entries.Load())
}
