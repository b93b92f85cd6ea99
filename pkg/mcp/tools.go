package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/params"
	"github.com/rendis/stepwise/internal/store"
)

// handleRun executes a workflow to completion.
func (s *StepwiseServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}

	opts := engine.RunOptions{
		Variables:     mcp.ParseStringMap(req, "variables", nil),
		TruncateSteps: req.GetBool("truncate_steps", false),
		MaxStepTokens: req.GetInt("max_step_tokens", 0),
		Overrides: params.Overrides{
			Model:     req.GetString("model", ""),
			MaxTokens: req.GetInt("max_tokens", 0),
		},
	}
	if _, ok := req.GetArguments()["temperature"]; ok {
		t := req.GetFloat("temperature", 0)
		opts.Overrides.Temperature = &t
	}

	result, runErr := s.engine.ExecuteWorkflow(ctx, workflow, query, opts)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleStart creates a session and runs its first step.
func (s *StepwiseServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}

	result, startErr := s.engine.StartWorkflowStepByStep(ctx, workflow, query, engine.StartOptions{
		Variables: mcp.ParseStringMap(req, "variables", nil),
	})
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}
	if result.HasMore {
		s.captureSession(ctx, result.SessionID)
	}
	return marshalResult(result)
}

// handleContinue advances a session by one step.
func (s *StepwiseServer) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	result, contErr := s.engine.ContinueWorkflow(ctx, sessionID)
	if contErr != nil {
		if s.notifier != nil {
			s.notifier.sessions.Forget(sessionID)
		}
		return mcp.NewToolResultError(fmt.Sprintf("continue failed: %v", contErr)), nil
	}
	if result.HasMore {
		s.captureSession(ctx, sessionID)
	}
	return marshalResult(result)
}

// handleStatus returns a live session snapshot.
func (s *StepwiseServer) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	snap, statusErr := s.engine.GetSession(sessionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(snap)
}

// handleWorkflows lists the catalog.
func (s *StepwiseServer) handleWorkflows(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.workflows == nil {
		return marshalResult(map[string]any{"workflows": []any{}})
	}
	return marshalResult(map[string]any{"workflows": s.workflows.List()})
}

// handleHistory queries the session archive.
func (s *StepwiseServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.archive == nil {
		return mcp.NewToolResultError("session history is not enabled"), nil
	}

	if id := req.GetString("session_id", ""); id != "" {
		rec, err := s.archive.GetSession(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", err)), nil
		}
		steps, err := s.archive.ListStepOutputs(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("history lookup failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"session": rec, "steps": steps})
	}

	sessions, err := s.archive.ListSessions(ctx, store.SessionFilter{
		Workflow: req.GetString("workflow", ""),
		Status:   req.GetString("status", ""),
		Limit:    req.GetInt("limit", 50),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"sessions": sessions})
}

// captureSession maps a workflow session to the calling MCP client for
// completion notifications.
func (s *StepwiseServer) captureSession(ctx context.Context, sessionID string) {
	if s.notifier == nil {
		return
	}
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		s.notifier.sessions.Register(sessionID, cs.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
