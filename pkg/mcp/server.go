// Package mcp exposes the stepwise engine to agents as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/catalog"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/internal/store"
)

// Engine is the part of the workflow engine the server drives.
type Engine interface {
	ExecuteWorkflow(ctx context.Context, name, query string, opts engine.RunOptions) (*engine.RunResult, error)
	StartWorkflowStepByStep(ctx context.Context, name, query string, opts engine.StartOptions) (*engine.StepResult, error)
	ContinueWorkflow(ctx context.Context, sessionID string) (*engine.StepResult, error)
	GetSession(sessionID string) (*session.Snapshot, error)
}

// WorkflowLister lists the catalog. *catalog.Catalog satisfies it.
type WorkflowLister interface {
	List() []catalog.Summary
}

// ServerDeps holds the dependencies for creating a StepwiseServer.
type ServerDeps struct {
	Engine    Engine
	Workflows WorkflowLister
	Archive   store.Archive // optional; stepwise.history is unavailable without it
	Notifier  *Notifier     // optional
	Version   string
	Logger    *slog.Logger
}

// StepwiseServer wraps an MCP server with the stepwise tool handlers.
type StepwiseServer struct {
	engine    Engine
	workflows WorkflowLister
	archive   store.Archive
	notifier  *Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepwiseServer creates a StepwiseServer with all six tools registered.
func NewStepwiseServer(deps ServerDeps) *StepwiseServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &StepwiseServer{
		engine:    deps.Engine,
		workflows: deps.Workflows,
		archive:   deps.Archive,
		notifier:  deps.Notifier,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepwise",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepwise runs multi-step tool workflows. Use stepwise.workflows to discover workflows, stepwise.run to execute one to completion, or stepwise.start then stepwise.continue to advance one step per call. stepwise.status reports a live session and stepwise.history lists archived sessions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if s.notifier != nil {
		s.notifier.attach(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepwiseServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepwiseServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepwiseServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: continueTool(), Handler: s.handleContinue},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepwise.run",
		mcp.WithDescription("Execute a workflow to completion in one call"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the workflow to execute")),
		mcp.WithString("query", mcp.Required(), mcp.Description("The request the workflow works on")),
		mcp.WithObject("variables", mcp.Description("Extra variables available to step inputs")),
		mcp.WithBoolean("truncate_steps", mcp.Description("Truncate per-step outputs in the report")),
		mcp.WithNumber("max_step_tokens", mcp.Description("Per-step report budget when truncating")),
		mcp.WithString("model", mcp.Description("Model override for every step")),
		mcp.WithNumber("temperature", mcp.Description("Temperature override for every step")),
		mcp.WithNumber("max_tokens", mcp.Description("Max tokens override for every step")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("stepwise.start",
		mcp.WithDescription("Start a workflow session and execute its first step"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the workflow to start")),
		mcp.WithString("query", mcp.Required(), mcp.Description("The request the workflow works on")),
		mcp.WithObject("variables", mcp.Description("Extra variables available to step inputs")),
	)
}

func continueTool() mcp.Tool {
	return mcp.NewTool("stepwise.continue",
		mcp.WithDescription("Execute the next step of a workflow session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session returned by stepwise.start")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepwise.status",
		mcp.WithDescription("Get the state of a live workflow session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to query")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("stepwise.workflows",
		mcp.WithDescription("List the available workflows"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("stepwise.history",
		mcp.WithDescription("Query archived workflow sessions"),
		mcp.WithString("session_id", mcp.Description("Return one session with its step outputs")),
		mcp.WithString("workflow", mcp.Description("Filter by workflow name")),
		mcp.WithString("status", mcp.Description("Filter by final status (running, completed, failed, expired)")),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions to return (default 50)")),
	)
}
