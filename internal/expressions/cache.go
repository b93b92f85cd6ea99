package expressions

import (
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// programCache memoizes compiled programs by source text. Compilation runs
// outside the lock; when two goroutines race, the first stored program wins.
type programCache[P any] struct {
	compile func(src string) (P, error)

	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any](compile func(src string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, progs: make(map[string]P)}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(src)
	if err != nil {
		var zero P
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.progs[src]; ok {
		return prev, nil
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

func emptyExpression(lang string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
}

// compileError reports a malformed expression.
func compileError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": lang, "expression": expression})
}

// evalError reports an expression that compiled but failed at runtime.
func evalError(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluating %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": lang, "expression": expression})
}
