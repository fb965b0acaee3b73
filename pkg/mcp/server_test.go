package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStepflowServer(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewStepflowServer(StepflowServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 6)

	expectedTools := []string{
		"stepflow.register",
		"stepflow.run",
		"stepflow.executions",
		"stepflow.logs",
		"stepflow.providers",
		"stepflow.stats",
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
		{"register", "stepflow.register", "Store a workflow definition"},
		{"run", "stepflow.run", "Execute a stored workflow once"},
		{"executions", "stepflow.executions", "List executions of a workflow, newest first"},
		{"logs", "stepflow.logs", "Get the captured log lines of an execution"},
		{"providers", "stepflow.providers", "List registered provider types and their authentication schemas"},
		{"stats", "stepflow.stats", "Show dispatch pool counters and the state of every throttle"},
	}

	s := NewStepflowServer(StepflowServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
