package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepwiseServer(t *testing.T) {
	s := NewStepwiseServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewStepwiseServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"stepwise.run",
		"stepwise.start",
		"stepwise.continue",
		"stepwise.status",
		"stepwise.workflows",
		"stepwise.history",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "stepwise.run", "Execute a workflow to completion in one call"},
		{"start", "stepwise.start", "Start a workflow session and execute its first step"},
		{"continue", "stepwise.continue", "Execute the next step of a workflow session"},
		{"status", "stepwise.status", "Get the state of a live workflow session"},
		{"workflows", "stepwise.workflows", "List the available workflows"},
		{"history", "stepwise.history", "Query archived workflow sessions"},
	}

	s := NewStepwiseServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
