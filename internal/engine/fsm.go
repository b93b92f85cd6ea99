package engine

import (
	"context"
	"sync"

	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/pkg/schema"
)

// TransitionHook is called after a session state transition.
type TransitionHook func(ctx context.Context, s *session.Session, from, to schema.SessionStatus)

type transitionKey struct {
	from, to schema.SessionStatus
}

// SessionFSM guards session status changes. Callers must hold the session
// lock (or own a transient session) so the read-check-write is not racy.
type SessionFSM struct {
	mu    sync.RWMutex
	after map[transitionKey][]TransitionHook
}

// NewSessionFSM creates a SessionFSM with no hooks.
func NewSessionFSM() *SessionFSM {
	return &SessionFSM{after: make(map[transitionKey][]TransitionHook)}
}

// OnAfter registers a hook called after a successful transition.
func (f *SessionFSM) OnAfter(from, to schema.SessionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := transitionKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and applies a status change. serr is recorded with
// failed transitions and ignored otherwise.
func (f *SessionFSM) Transition(ctx context.Context, s *session.Session, to schema.SessionStatus, serr *schema.SessionError) error {
	from := s.Status()
	if !isValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": s.ID, "from": string(from), "to": string(to)})
	}

	if to != schema.SessionFailed {
		serr = nil
	}
	s.SetStatus(to, serr)

	f.mu.RLock()
	hooks := f.after[transitionKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, s, from, to)
	}
	return nil
}

func isValidSessionTransition(from, to schema.SessionStatus) bool {
	for _, allowed := range ValidSessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidSessionTransitions defines the allowed status changes. Terminal
// states have no exits; expiry is removal, not a status.
var ValidSessionTransitions = map[schema.SessionStatus][]schema.SessionStatus{
	schema.SessionRunning:   {schema.SessionCompleted, schema.SessionFailed},
	schema.SessionCompleted: {},
	schema.SessionFailed:    {},
}
