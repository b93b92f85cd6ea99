package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/catalog"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/session"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// --- Mock Engine ---

type mockEngine struct {
	runResult  *engine.RunResult
	runErr     error
	stepResult *engine.StepResult
	stepErr    error
	snapshot   *session.Snapshot
	statusErr  error

	lastWorkflow string
	lastQuery    string
	lastRunOpts  engine.RunOptions
	lastStart    engine.StartOptions
	lastSession  string
}

func (m *mockEngine) ExecuteWorkflow(_ context.Context, name, query string, opts engine.RunOptions) (*engine.RunResult, error) {
	m.lastWorkflow, m.lastQuery, m.lastRunOpts = name, query, opts
	return m.runResult, m.runErr
}

func (m *mockEngine) StartWorkflowStepByStep(_ context.Context, name, query string, opts engine.StartOptions) (*engine.StepResult, error) {
	m.lastWorkflow, m.lastQuery, m.lastStart = name, query, opts
	return m.stepResult, m.stepErr
}

func (m *mockEngine) ContinueWorkflow(_ context.Context, id string) (*engine.StepResult, error) {
	m.lastSession = id
	return m.stepResult, m.stepErr
}

func (m *mockEngine) GetSession(id string) (*session.Snapshot, error) {
	m.lastSession = id
	return m.snapshot, m.statusErr
}

// --- Mock Lister ---

type mockLister []catalog.Summary

func (m mockLister) List() []catalog.Summary { return m }

// --- Mock Archive ---

type mockArchive struct {
	store.Archive // embed for unimplemented methods

	sessions   []*store.SessionRecord
	steps      []*store.StepOutputRecord
	lastFilter store.SessionFilter
}

func (m *mockArchive) GetSession(_ context.Context, id string) (*store.SessionRecord, error) {
	for _, s := range m.sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeSessionNotFound, "session %s not found", id)
}

func (m *mockArchive) ListSessions(_ context.Context, filter store.SessionFilter) ([]*store.SessionRecord, error) {
	m.lastFilter = filter
	var out []*store.SessionRecord
	for _, s := range m.sessions {
		if filter.Workflow != "" && s.Workflow != filter.Workflow {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *mockArchive) ListStepOutputs(_ context.Context, id string) ([]*store.StepOutputRecord, error) {
	var out []*store.StepOutputRecord
	for _, s := range m.steps {
		if s.SessionID == id {
			out = append(out, s)
		}
	}
	return out, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), &out))
	return out
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	eng := &mockEngine{runResult: &engine.RunResult{
		SessionID:    "6ba7b810-9dad-41d1-80b4-00c04fd430c8",
		WorkflowName: "digest",
		FinalOutput:  "done",
	}}
	s := NewStepwiseServer(ServerDeps{Engine: eng})

	req := buildRequest("stepwise.run", map[string]any{
		"workflow":        "digest",
		"query":           "summarize the repo",
		"variables":       map[string]any{"focus": "tests"},
		"truncate_steps":  true,
		"max_step_tokens": float64(300),
		"model":           "fast",
		"temperature":     0.2,
	})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	assert.Equal(t, "digest", eng.lastWorkflow)
	assert.Equal(t, "summarize the repo", eng.lastQuery)
	assert.Equal(t, "tests", eng.lastRunOpts.Variables["focus"])
	assert.True(t, eng.lastRunOpts.TruncateSteps)
	assert.Equal(t, 300, eng.lastRunOpts.MaxStepTokens)
	assert.Equal(t, "fast", eng.lastRunOpts.Overrides.Model)
	require.NotNil(t, eng.lastRunOpts.Overrides.Temperature)
	assert.InDelta(t, 0.2, *eng.lastRunOpts.Overrides.Temperature, 1e-9)

	out := decodeResult(t, result)
	assert.Equal(t, "done", out["final_output"])
}

func TestRunToolNoTemperatureOverride(t *testing.T) {
	eng := &mockEngine{runResult: &engine.RunResult{}}
	s := NewStepwiseServer(ServerDeps{Engine: eng})

	req := buildRequest("stepwise.run", map[string]any{"workflow": "w", "query": "q"})
	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Nil(t, eng.lastRunOpts.Overrides.Temperature)
}

func TestRunToolMissingParams(t *testing.T) {
	s := NewStepwiseServer(ServerDeps{Engine: &mockEngine{}})

	result, err := s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{"query": "q"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{"workflow": "w"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolEngineError(t *testing.T) {
	eng := &mockEngine{runErr: schema.NewError(schema.ErrCodeWorkflowNotFound, `workflow "nope" not found`)}
	s := NewStepwiseServer(ServerDeps{Engine: eng})

	result, err := s.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{"workflow": "nope", "query": "q"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeWorkflowNotFound)
}

func TestStartTool(t *testing.T) {
	eng := &mockEngine{stepResult: &engine.StepResult{
		SessionID:  "6ba7b810-9dad-41d1-80b4-00c04fd430c8",
		Step:       1,
		TotalSteps: 3,
		StepName:   "context",
		Output:     "first",
		HasMore:    true,
	}}
	s := NewStepwiseServer(ServerDeps{Engine: eng})

	req := buildRequest("stepwise.start", map[string]any{
		"workflow":  "digest",
		"query":     "q",
		"variables": map[string]any{"focus": "api"},
	})
	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	assert.Equal(t, "api", eng.lastStart.Variables["focus"])
	out := decodeResult(t, result)
	assert.Equal(t, true, out["has_more"])
	assert.Equal(t, float64(1), out["step"])
}

func TestContinueTool(t *testing.T) {
	eng := &mockEngine{stepResult: &engine.StepResult{Step: 2, HasMore: false}}
	s := NewStepwiseServer(ServerDeps{Engine: eng})

	id := "6ba7b810-9dad-41d1-80b4-00c04fd430c8"
	result, err := s.handleContinue(context.Background(), buildRequest("stepwise.continue", map[string]any{"session_id": id}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, id, eng.lastSession)

	result, err = s.handleContinue(context.Background(), buildRequest("stepwise.continue", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestContinueToolExpired(t *testing.T) {
	eng := &mockEngine{stepErr: schema.NewError(schema.ErrCodeSessionExpired, "session expired")}
	s := NewStepwiseServer(ServerDeps{Engine: eng})

	result, err := s.handleContinue(context.Background(), buildRequest("stepwise.continue", map[string]any{"session_id": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeSessionExpired)
}

type fakeClientSession struct{ id string }

func (f *fakeClientSession) Initialize()       {}
func (f *fakeClientSession) Initialized() bool { return true }
func (f *fakeClientSession) SessionID() string { return f.id }
func (f *fakeClientSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return make(chan mcp.JSONRPCNotification, 1)
}

func TestContinueToolRejectedSessionsAreNotTracked(t *testing.T) {
	tests := []struct {
		name string
		id   string
		err  error
	}{
		{"malformed id", "not-a-uuid", schema.NewError(schema.ErrCodeInvalidSessionID, "invalid session id")},
		{"unknown id", "6ba7b810-9dad-41d1-80b4-00c04fd430c8", schema.NewError(schema.ErrCodeSessionNotFound, "session not found")},
		{"not running", "7ca7b810-9dad-41d1-80b4-00c04fd430c8", schema.NewError(schema.ErrCodeSessionNotRunning, "session is not running")},
	}

	n := NewNotifier(nil)
	s := NewStepwiseServer(ServerDeps{Notifier: n})
	ctx := s.mcpServer.WithContext(context.Background(), &fakeClientSession{id: "client-a"})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.engine = &mockEngine{stepErr: tt.err}
			result, err := s.handleContinue(ctx, buildRequest("stepwise.continue", map[string]any{"session_id": tt.id}))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Equal(t, 0, n.Sessions().Len())
		})
	}
}

func TestContinueToolTracksOnlyOpenSessions(t *testing.T) {
	n := NewNotifier(nil)
	eng := &mockEngine{stepResult: &engine.StepResult{Step: 2, TotalSteps: 3, HasMore: true}}
	s := NewStepwiseServer(ServerDeps{Engine: eng, Notifier: n})
	ctx := s.mcpServer.WithContext(context.Background(), &fakeClientSession{id: "client-a"})

	id := "6ba7b810-9dad-41d1-80b4-00c04fd430c8"
	_, err := s.handleContinue(ctx, buildRequest("stepwise.continue", map[string]any{"session_id": id}))
	require.NoError(t, err)
	cid, ok := n.Sessions().ClientFor(id)
	require.True(t, ok)
	assert.Equal(t, "client-a", cid)

	eng.stepResult, eng.stepErr = nil, schema.NewError(schema.ErrCodeSessionExpired, "session expired")
	_, err = s.handleContinue(ctx, buildRequest("stepwise.continue", map[string]any{"session_id": id}))
	require.NoError(t, err)
	assert.Equal(t, 0, n.Sessions().Len())
}

var _ server.ClientSession = (*fakeClientSession)(nil)

func TestStatusTool(t *testing.T) {
	eng := &mockEngine{snapshot: &session.Snapshot{
		ID:               "6ba7b810-9dad-41d1-80b4-00c04fd430c8",
		Workflow:         "digest",
		Status:           schema.SessionRunning,
		CurrentStepIndex: 1,
		TotalSteps:       3,
		StartTime:        time.Now(),
	}}
	s := NewStepwiseServer(ServerDeps{Engine: eng})

	result, err := s.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{"session_id": "6ba7b810-9dad-41d1-80b4-00c04fd430c8"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := decodeResult(t, result)
	assert.Equal(t, "running", out["status"])
	assert.Equal(t, float64(1), out["current_step_index"])
}

func TestWorkflowsTool(t *testing.T) {
	s := NewStepwiseServer(ServerDeps{Workflows: mockLister{
		{Name: "digest", Description: "Summarize", Steps: 4},
		{Name: "echo-chain", Steps: 2},
	}})

	result, err := s.handleWorkflows(context.Background(), buildRequest("stepwise.workflows", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	out := decodeResult(t, result)
	list, ok := out["workflows"].([]any)
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestHistoryTool(t *testing.T) {
	now := time.Now().UTC()
	ar := &mockArchive{
		sessions: []*store.SessionRecord{
			{ID: "s1", Workflow: "digest", Status: "completed", StartedAt: now, UpdatedAt: now},
			{ID: "s2", Workflow: "echo-chain", Status: "failed", StartedAt: now, UpdatedAt: now},
		},
		steps: []*store.StepOutputRecord{
			{SessionID: "s1", StepIndex: 0, StepName: "context", Status: store.StepCompleted},
		},
	}
	s := NewStepwiseServer(ServerDeps{Archive: ar})

	result, err := s.handleHistory(context.Background(), buildRequest("stepwise.history", map[string]any{
		"workflow": "digest",
		"limit":    float64(5),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, 5, ar.lastFilter.Limit)
	out := decodeResult(t, result)
	assert.Len(t, out["sessions"], 1)

	result, err = s.handleHistory(context.Background(), buildRequest("stepwise.history", map[string]any{"session_id": "s1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	out = decodeResult(t, result)
	assert.Len(t, out["steps"], 1)

	result, err = s.handleHistory(context.Background(), buildRequest("stepwise.history", map[string]any{"session_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryToolDisabled(t *testing.T) {
	s := NewStepwiseServer(ServerDeps{})
	result, err := s.handleHistory(context.Background(), buildRequest("stepwise.history", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
