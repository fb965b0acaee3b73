package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/providers"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	workflows  []*store.Workflow
	executions []*store.WorkflowExecution
	logs       map[string][]*store.ExecutionLog
	lastFilter store.ExecutionFilter
}

func newMockStore() *mockStore {
	return &mockStore{logs: make(map[string][]*store.ExecutionLog)}
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	for _, wf := range m.workflows {
		if wf.ID == id {
			return wf, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*store.WorkflowExecution, error) {
	for _, e := range m.executions {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found")
}

func (m *mockStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.WorkflowExecution, error) {
	m.lastFilter = filter
	var result []*store.WorkflowExecution
	for _, e := range m.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) ListExecutionLogs(_ context.Context, executionID string) ([]*store.ExecutionLog, error) {
	return m.logs[executionID], nil
}

// --- Mock Runner ---

type mockRunner struct {
	registered []engine.RegisterRequest
	runs       []engine.RunRequest
	runResult  *engine.RunResult
	runErr     error
	regErr     error
	stats      engine.ExecutorStats
}

func (m *mockRunner) Register(_ context.Context, req engine.RegisterRequest) (*store.Workflow, error) {
	if m.regErr != nil {
		return nil, m.regErr
	}
	m.registered = append(m.registered, req)
	return &store.Workflow{ID: "wf-1", TenantID: req.TenantID, Name: "board-watch", Interval: req.Interval}, nil
}

func (m *mockRunner) Run(_ context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	m.runs = append(m.runs, req)
	return m.runResult, m.runErr
}

func (m *mockRunner) Stats() engine.ExecutorStats { return m.stats }

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// --- Tests ---

func TestRegisterTool(t *testing.T) {
	runner := &mockRunner{}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner, Store: newMockStore()})

	result, err := s.handleRegister(context.Background(), buildRequest("stepflow.register", map[string]any{
		"tenant_id":  "tenant-a",
		"definition": "id: board-watch\nsteps: []\n",
		"interval":   float64(300),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, runner.registered, 1)
	assert.Equal(t, "tenant-a", runner.registered[0].TenantID)
	assert.Equal(t, 300, runner.registered[0].Interval)
	assert.Equal(t, "mcp", runner.registered[0].CreatedBy)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "wf-1", out["workflow_id"])
	assert.Equal(t, float64(300), out["interval"])
}

func TestRegisterToolErrors(t *testing.T) {
	runner := &mockRunner{regErr: schema.NewError(schema.ErrCodeConfig, "decode workflow definition: bad yaml")}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner, Store: newMockStore()})

	result, err := s.handleRegister(context.Background(), buildRequest("stepflow.register", map[string]any{
		"definition": "id: x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRegister(context.Background(), buildRequest("stepflow.register", map[string]any{
		"tenant_id":  "tenant-a",
		"definition": ":::",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "bad yaml")
}

func TestRunTool(t *testing.T) {
	elapsed := int64(42)
	runner := &mockRunner{runResult: &engine.RunResult{
		Execution: &store.WorkflowExecution{
			ID: "exec-1", WorkflowID: "wf-1", Status: schema.ExecutionStatusSuccess,
			ExecutionNumber: 3, ExecutionTime: &elapsed, Started: time.Now().UTC(),
		},
		Steps: []*engine.StepResult{{StepID: "fetch", Ran: true}},
	}}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner, Store: newMockStore()})

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{
		"workflow_id": "wf-1",
		"inputs":      map[string]any{"limit": 5},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.Len(t, runner.runs, 1)
	assert.Equal(t, schema.TriggerMCP, runner.runs[0].TriggeredBy)
	assert.Equal(t, map[string]any{"limit": 5}, runner.runs[0].Inputs)

	var out struct {
		Execution store.WorkflowExecution `json:"execution"`
		Steps     []engine.StepResult     `json:"steps"`
		Error     map[string]any          `json:"error"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, int64(3), out.Execution.ExecutionNumber)
	assert.Equal(t, schema.ExecutionStatusSuccess, out.Execution.Status)
	require.Len(t, out.Steps, 1)
	assert.True(t, out.Steps[0].Ran)
	assert.Nil(t, out.Error)
}

func TestRunToolReportsWorkflowFailure(t *testing.T) {
	runner := &mockRunner{runResult: &engine.RunResult{
		Execution: &store.WorkflowExecution{ID: "exec-1", WorkflowID: "wf-1", Status: schema.ExecutionStatusFailed},
		Err:       schema.NewError(schema.ErrCodeStepFailed, "step \"fetch\" failed"),
	}}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner, Store: newMockStore()})

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{"workflow_id": "wf-1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "a failed execution is still a successful tool call")

	var out map[string]any
	unmarshalResult(t, result, &out)
	errOut, ok := out["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStepFailed, errOut["code"])
}

func TestRunToolTenantMismatch(t *testing.T) {
	ms := newMockStore()
	ms.workflows = []*store.Workflow{{ID: "wf-1", TenantID: "tenant-a"}}
	runner := &mockRunner{}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner, Store: ms})

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{
		"workflow_id": "wf-1",
		"tenant_id":   "tenant-b",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, runner.runs)
}

func TestRunToolErrors(t *testing.T) {
	runner := &mockRunner{runErr: schema.NewError(schema.ErrCodeNotFound, "workflow \"nope\" not found")}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner, Store: newMockStore()})

	result, err := s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(), buildRequest("stepflow.run", map[string]any{"workflow_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "NOT_FOUND")
}

func TestExecutionsTool(t *testing.T) {
	ms := newMockStore()
	ms.executions = []*store.WorkflowExecution{
		{ID: "e2", WorkflowID: "wf-1", Status: schema.ExecutionStatusFailed, Logs: "long text"},
		{ID: "e1", WorkflowID: "wf-1", Status: schema.ExecutionStatusSuccess},
		{ID: "x1", WorkflowID: "wf-2", Status: schema.ExecutionStatusSuccess},
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: &mockRunner{}, Store: ms})

	result, err := s.handleExecutions(context.Background(), buildRequest("stepflow.executions", map[string]any{
		"workflow_id": "wf-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, 20, ms.lastFilter.Limit)

	var execs []store.WorkflowExecution
	unmarshalResult(t, result, &execs)
	require.Len(t, execs, 2)
	assert.Equal(t, "e2", execs[0].ID)
	assert.Empty(t, execs[0].Logs)

	result, err = s.handleExecutions(context.Background(), buildRequest("stepflow.executions", map[string]any{
		"workflow_id": "wf-1",
		"status":      "success",
		"limit":       "5",
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &execs)
	require.Len(t, execs, 1)
	assert.Equal(t, "e1", execs[0].ID)
	assert.Equal(t, 5, ms.lastFilter.Limit)

	result, err = s.handleExecutions(context.Background(), buildRequest("stepflow.executions", map[string]any{
		"workflow_id": "wf-9",
	}))
	require.NoError(t, err)
	assert.Equal(t, "[]", extractText(t, result))
}

func TestLogsTool(t *testing.T) {
	ms := newMockStore()
	ms.executions = []*store.WorkflowExecution{{ID: "e1", WorkflowID: "wf-1", Status: schema.ExecutionStatusSuccess}}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ms.logs["e1"] = []*store.ExecutionLog{
		{ID: 1, ExecutionID: "e1", Timestamp: ts, Message: "workflow execution started"},
		{ID: 2, ExecutionID: "e1", Timestamp: ts.Add(time.Second), Message: "step evaluated to run step=fetch"},
	}
	s := NewStepflowServer(StepflowServerDeps{Runner: &mockRunner{}, Store: ms})

	result, err := s.handleLogs(context.Background(), buildRequest("stepflow.logs", map[string]any{"execution_id": "e1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Status string               `json:"status"`
		Logs   []store.ExecutionLog `json:"logs"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "success", out.Status)
	require.Len(t, out.Logs, 2)
	assert.Equal(t, "step evaluated to run step=fetch", out.Logs[1].Message)

	result, err = s.handleLogs(context.Background(), buildRequest("stepflow.logs", map[string]any{"execution_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestProvidersTool(t *testing.T) {
	reg := providers.NewDefaultRegistry(providers.Deps{})
	s := NewStepflowServer(StepflowServerDeps{Runner: &mockRunner{}, Store: newMockStore(), Providers: reg})

	result, err := s.handleProviders(context.Background(), buildRequest("stepflow.providers", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var infos []providers.Info
	unmarshalResult(t, result, &infos)
	var types []string
	for _, info := range infos {
		types = append(types, info.Type)
	}
	assert.Equal(t, []string{"console", "jira", "webhook"}, types)

	empty := NewStepflowServer(StepflowServerDeps{})
	result, err = empty.handleProviders(context.Background(), buildRequest("stepflow.providers", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatsTool(t *testing.T) {
	runner := &mockRunner{stats: engine.ExecutorStats{
		Pool: engine.PoolMetrics{Completed: 4, Failed: 1},
		Throttles: []map[string]any{
			{"workflow_id": "wf-1", "action": "page", "type": "fixed_window", "count": 1},
		},
	}}
	s := NewStepflowServer(StepflowServerDeps{Runner: runner, Store: newMockStore()})

	result, err := s.handleStats(context.Background(), buildRequest("stepflow.stats", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var got struct {
		Pool      engine.PoolMetrics `json:"dispatch_pool"`
		Throttles []map[string]any   `json:"throttles"`
	}
	unmarshalResult(t, result, &got)
	assert.Equal(t, int64(4), got.Pool.Completed)
	assert.Equal(t, int64(1), got.Pool.Failed)
	require.Len(t, got.Throttles, 1)
	assert.Equal(t, "page", got.Throttles[0]["action"])
	assert.Equal(t, "wf-1", got.Throttles[0]["workflow_id"])

	empty := NewStepflowServer(StepflowServerDeps{})
	result, err = empty.handleStats(context.Background(), buildRequest("stepflow.stats", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestExtractInt(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(args, "f", 0))
	assert.Equal(t, 3, extractInt(args, "i", 0))
	assert.Equal(t, 12, extractInt(args, "s", 0))
	assert.Equal(t, 9, extractInt(args, "bad", 9))
	assert.Equal(t, 9, extractInt(nil, "f", 9))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
