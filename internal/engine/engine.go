// Package engine executes workflows either to completion in one call or
// one step per call through resumable sessions.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/output"
	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/internal/tracing"
	"github.com/rendis/stepwise/pkg/schema"
)

// WorkflowSource resolves workflow names. *catalog.Catalog satisfies it.
type WorkflowSource interface {
	Get(name string) (*schema.WorkflowDefinition, error)
}

// Config holds engine tunables. Zero values take the defaults below.
type Config struct {
	IdleTimeout     time.Duration // default 30m
	ReapInterval    time.Duration // default 5m
	CompletionGrace time.Duration // default 5m
	FailedRetention time.Duration // default 30m

	OutputDirectory string
	PersistOutputs  bool

	DisplayTokens  int // step-by-step display budget, default 1000
	MaxStepTokens  int // run report budget when truncation is on, default 2000
	MaxParallel    int // default 4
	SkipValidation bool

	Defaults params.Defaults
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = 5 * time.Minute
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 30 * time.Minute
	}
	if c.DisplayTokens <= 0 {
		c.DisplayTokens = 1000
	}
	if c.MaxStepTokens <= 0 {
		c.MaxStepTokens = 2000
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.Defaults == (params.Defaults{}) {
		c.Defaults = params.DefaultSystem()
	}
	return c
}

// Deps are the engine's collaborators. Catalog and Tools are required.
type Deps struct {
	Catalog  WorkflowSource
	Tools    tools.Invoker
	Outputs  output.Persister // default: output.NewManager
	Sessions session.Store    // default: session.NewMemoryStore
	Archive  store.Archive    // optional
	Hooks    []StepHook
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Engine is the workflow execution engine. Create with New, stop with Shutdown.
type Engine struct {
	config   Config
	catalog  WorkflowSource
	tools    tools.Invoker
	outputs  output.Persister
	sessions session.Store
	archive  store.Archive
	locks    *session.Lock
	reaper   *session.Reaper
	fsm      *SessionFSM
	hooks    Hooks
	interp   *expressions.Interpolator
	conds    *expressions.Conditions
	jq       *expressions.GoJQEngine
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New wires an engine and starts its session reaper.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Catalog == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a workflow catalog")
	}
	if deps.Tools == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a tool invoker")
	}
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	outputs := deps.Outputs
	if outputs == nil {
		outputs = output.NewManager(output.DefaultConfig(), logger)
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewMemoryStore()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracing.Tracer()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	conds, err := expressions.NewConditions()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:   cfg,
		catalog:  deps.Catalog,
		tools:    deps.Tools,
		outputs:  outputs,
		sessions: sessions,
		archive:  deps.Archive,
		locks:    session.NewLock(),
		fsm:      NewSessionFSM(),
		hooks:    append(Hooks{LoggingHook{Logger: logger}}, deps.Hooks...),
		interp:   expressions.NewInterpolator(logger),
		conds:    conds,
		jq:       expressions.NewGoJQEngine(),
		tracer:   tracer,
		logger:   logger,
		now:      now,
		timers:   make(map[string]*time.Timer),
	}

	e.reaper = session.NewReaper(sessions, session.ReaperConfig{
		IdleTimeout: cfg.IdleTimeout,
		Interval:    cfg.ReapInterval,
	}, logger, e.onReap)
	e.reaper.SetClock(now)
	if err := e.reaper.Start(); err != nil {
		return nil, err
	}
	return e, nil
}

// Shutdown stops the reaper and removal timers and releases every waiting
// session lock. In-flight tool calls are not interrupted.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.reaper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if n := e.locks.Clear(); n > 0 {
		e.logger.Info("released session lock waiters", slog.Int("count", n))
	}
	return nil
}

// Sweep runs one reaper pass immediately.
func (e *Engine) Sweep() int {
	return e.reaper.Sweep()
}

// ActiveSessions returns the number of sessions held in memory.
func (e *Engine) ActiveSessions() int {
	return e.sessions.Len()
}

// GetSession returns a snapshot of a live session. Sessions idle past the
// timeout are reported as expired even before the reaper removes them.
func (e *Engine) GetSession(sessionID string) (*session.Snapshot, error) {
	if !session.ValidID(sessionID) {
		return nil, invalidSessionID(sessionID)
	}
	s, ok := e.sessions.Get(sessionID)
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	if s.IdleSince(e.now(), e.config.IdleTimeout) {
		return nil, sessionExpired(sessionID, e.config.IdleTimeout)
	}
	return s.Snapshot(), nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) errIfClosed() error {
	if e.isClosed() {
		return schema.NewError(schema.ErrCodeExecution, "engine is shut down")
	}
	return nil
}

// scheduleRemoval deletes a terminal session after delay.
func (e *Engine) scheduleRemoval(id string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		if e.sessions.Delete(id) {
			e.logger.Debug("terminal session removed", slog.String("session_id", id))
		}
	})
}

func (e *Engine) cancelRemoval(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

// onReap runs for every session the reaper removes.
func (e *Engine) onReap(s *session.Session) {
	e.cancelRemoval(s.ID)
	// Terminal sessions already reported their outcome.
	if !s.Finalize() {
		return
	}
	ctx := context.Background()
	e.archiveSession(ctx, s, ModeStepByStep, "expired", "")
	e.hooks.sessionFinished(ctx, s.ID, s.Workflow.Name, ModeStepByStep, "expired")
}

func invalidSessionID(id string) error {
	return schema.NewErrorf(schema.ErrCodeInvalidSessionID,
		"session id %q is not a lowercase UUIDv4", id)
}

func sessionNotFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeSessionNotFound, "session %s not found", id)
}

func sessionExpired(id string, timeout time.Duration) error {
	return schema.NewErrorf(schema.ErrCodeSessionExpired,
		"session %s expired after %s idle", id, timeout)
}
