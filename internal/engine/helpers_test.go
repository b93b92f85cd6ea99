package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/catalog"
	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/pkg/schema"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingTools registers tools on a real registry and records every request.
type recordingTools struct {
	*tools.Registry

	mu       sync.Mutex
	requests map[string][]tools.Request
}

func newRecordingTools(t *testing.T) *recordingTools {
	t.Helper()
	rt := &recordingTools{
		Registry: tools.NewRegistry(tools.DefaultCircuitBreakerConfig()),
		requests: make(map[string][]tools.Request),
	}
	require.NoError(t, tools.RegisterBuiltins(rt.Registry))
	return rt
}

// add registers a tool whose response is produced by fn.
func (rt *recordingTools) add(t *testing.T, name string, fn func(req tools.Request) (string, error)) {
	t.Helper()
	require.NoError(t, rt.Register(&tools.Func{
		ToolName: name,
		Fn: func(_ context.Context, req tools.Request) (*tools.Result, error) {
			rt.mu.Lock()
			rt.requests[name] = append(rt.requests[name], req)
			rt.mu.Unlock()
			text, err := fn(req)
			if err != nil {
				return nil, err
			}
			return &tools.Result{Text: text}, nil
		},
	}))
}

func (rt *recordingTools) fixed(t *testing.T, name, text string) {
	rt.add(t, name, func(tools.Request) (string, error) { return text, nil })
}

func (rt *recordingTools) failing(t *testing.T, name, msg string) {
	rt.add(t, name, func(tools.Request) (string, error) { return "", errors.New(msg) })
}

func (rt *recordingTools) calls(name string) []tools.Request {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]tools.Request(nil), rt.requests[name]...)
}

// countingStore counts lookups so tests can assert the map was never touched.
type countingStore struct {
	*session.MemoryStore
	gets atomic.Int64
}

func (c *countingStore) Get(id string) (*session.Session, bool) {
	c.gets.Add(1)
	return c.MemoryStore.Get(id)
}

// memArchive is an in-memory store.Archive.
type memArchive struct {
	mu       sync.Mutex
	sessions map[string]store.SessionRecord
	statuses map[string][]string
	steps    []store.StepOutputRecord
}

func newMemArchive() *memArchive {
	return &memArchive{
		sessions: make(map[string]store.SessionRecord),
		statuses: make(map[string][]string),
	}
}

func (a *memArchive) SaveSession(_ context.Context, rec *store.SessionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[rec.ID] = *rec
	a.statuses[rec.ID] = append(a.statuses[rec.ID], rec.Status)
	return nil
}

func (a *memArchive) GetSession(_ context.Context, id string) (*store.SessionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.sessions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeSessionNotFound, "session %s not found", id)
	}
	return &rec, nil
}

func (a *memArchive) ListSessions(context.Context, store.SessionFilter) ([]*store.SessionRecord, error) {
	return nil, nil
}

func (a *memArchive) DeleteSessionsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (a *memArchive) SaveStepOutput(_ context.Context, rec *store.StepOutputRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, *rec)
	return nil
}

func (a *memArchive) ListStepOutputs(_ context.Context, sessionID string) ([]*store.StepOutputRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*store.StepOutputRecord
	for i := range a.steps {
		if a.steps[i].SessionID == sessionID {
			rec := a.steps[i]
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (a *memArchive) Close() error { return nil }

func (a *memArchive) statusHistory(id string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.statuses[id]...)
}

// testEnv bundles an engine with its fakes.
type testEnv struct {
	engine  *Engine
	tools   *recordingTools
	catalog *catalog.Catalog
	store   *countingStore
	archive *memArchive
	clock   *fakeClock
}

type envOption func(*Config, *Deps)

func withHooks(h ...StepHook) envOption {
	return func(_ *Config, d *Deps) { d.Hooks = append(d.Hooks, h...) }
}

func withConfig(fn func(*Config)) envOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		tools:   newRecordingTools(t),
		catalog: catalog.New(),
		store:   &countingStore{MemoryStore: session.NewMemoryStore()},
		archive: newMemArchive(),
		clock:   newFakeClock(),
	}
	cfg := Config{ReapInterval: time.Hour}
	deps := Deps{
		Catalog:  env.catalog,
		Tools:    env.tools,
		Sessions: env.store,
		Archive:  env.archive,
		Now:      env.clock.Now,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	env.engine = e
	return env
}

func (env *testEnv) register(t *testing.T, def *schema.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, env.catalog.Register(def))
}

func steps(s ...schema.WorkflowStep) []schema.WorkflowStep { return s }

func textStep(name, tool, input string) schema.WorkflowStep {
	return schema.WorkflowStep{Name: name, Tool: tool, Input: schema.TextInput(input)}
}
