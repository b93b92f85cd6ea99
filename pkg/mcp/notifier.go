package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/engine"
)

// notificationMethod is the MCP method used for session lifecycle pushes.
const notificationMethod = "notifications/message"

// Notifier pushes a message to the MCP client driving a step-by-step
// session when that session finishes. It is an engine.SessionHook; register
// it with the engine and pass it to NewStepwiseServer, which attaches the
// transport.
type Notifier struct {
	mcpServer atomic.Pointer[server.MCPServer]
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewNotifier creates a detached notifier.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Notifier{sessions: NewSessionRegistry(), logger: logger}
}

func (n *Notifier) attach(srv *server.MCPServer) {
	n.mcpServer.Store(srv)
}

// Sessions exposes the session mapping.
func (n *Notifier) Sessions() *SessionRegistry { return n.sessions }

func (n *Notifier) BeforeStep(context.Context, *engine.StepContext) error               { return nil }
func (n *Notifier) AfterStep(context.Context, *engine.StepContext, *engine.StepOutcome) {}
func (n *Notifier) OnStepFailure(context.Context, *engine.StepContext, error)           {}
func (n *Notifier) SessionStarted(context.Context, string, string, string)              {}

// SessionFinished notifies the driving client. Best-effort: unknown
// sessions and disconnected clients are ignored.
func (n *Notifier) SessionFinished(ctx context.Context, sessionID, workflow, mode, status string) {
	if mode != engine.ModeStepByStep {
		return
	}
	if err := n.Notify(ctx, sessionID, map[string]any{
		"session_id": sessionID,
		"workflow":   workflow,
		"status":     status,
	}); err != nil {
		n.logger.WarnContext(ctx, "session notification failed", slog.String("error", err.Error()))
	}
}

// Notify sends payload to the client driving sessionID.
func (n *Notifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	clientID, ok := n.sessions.ClientFor(sessionID)
	if !ok {
		return nil
	}
	n.sessions.Forget(sessionID)

	srv := n.mcpServer.Load()
	if srv == nil {
		return nil
	}
	err := srv.SendNotificationToSpecificClient(clientID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Client disconnected between lookup and send.
		n.sessions.RemoveClient(clientID)
		return nil
	}
	return err
}

var (
	_ engine.StepHook    = (*Notifier)(nil)
	_ engine.SessionHook = (*Notifier)(nil)
)
