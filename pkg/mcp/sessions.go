package mcp

import "sync"

// SessionRegistry maps workflow session IDs to the MCP client session that
// drives them. Populated when a client starts or continues a session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // workflow session → MCP client session
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a workflow session with a client session.
// A reconnecting client overwrites the previous mapping.
func (r *SessionRegistry) Register(workflowSession, clientSession string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[workflowSession] = clientSession
}

// ClientFor returns the client session driving a workflow session, if known.
func (r *SessionRegistry) ClientFor(workflowSession string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cid, ok := r.sessions[workflowSession]
	return cid, ok
}

// Forget drops the mapping for one workflow session.
func (r *SessionRegistry) Forget(workflowSession string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, workflowSession)
}

// RemoveClient deletes every mapping that points at a disconnected client session.
func (r *SessionRegistry) RemoveClient(clientSession string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for wid, cid := range r.sessions {
		if cid == clientSession {
			delete(r.sessions, wid)
		}
	}
}

// Len returns the number of tracked workflow sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
