package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRegister stores a workflow definition.
func (s *StepflowServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcp.NewToolResultError("tenant_id is required"), nil
	}
	raw, err := req.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	wf, regErr := s.runner.Register(ctx, engine.RegisterRequest{
		TenantID:      tenantID,
		Name:          req.GetString("name", ""),
		CreatedBy:     req.GetString("created_by", "mcp"),
		Interval:      extractInt(req.GetArguments(), "interval", 0),
		RawDefinition: raw,
	})
	if regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("register failed: %v", regErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"interval":    wf.Interval,
	})
}

// handleRun executes a stored workflow and returns the settled execution.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	if tenantID := req.GetString("tenant_id", ""); tenantID != "" {
		wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
		if wfErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", wfErr)), nil
		}
		if wf.TenantID != tenantID {
			return mcp.NewToolResultError(fmt.Sprintf("workflow %q does not belong to tenant %q", workflowID, tenantID)), nil
		}
	}

	res, runErr := s.runner.Run(ctx, engine.RunRequest{
		WorkflowID:  workflowID,
		TriggeredBy: schema.TriggerMCP,
		Inputs:      inputs,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	out := map[string]any{
		"execution": res.Execution,
		"steps":     res.Steps,
	}
	if res.Err != nil {
		out["error"] = errorPayload(res.Err)
	}
	return marshalResult(out)
}

// handleExecutions lists executions of a workflow.
func (s *StepflowServer) handleExecutions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	filter := store.ExecutionFilter{
		WorkflowID: workflowID,
		Limit:      extractInt(req.GetArguments(), "limit", 20),
	}
	if status := req.GetString("status", ""); status != "" {
		st := schema.ExecutionStatus(status)
		filter.Status = &st
	}

	execs, listErr := s.store.ListExecutions(ctx, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list executions failed: %v", listErr)), nil
	}
	// The aggregated logs are served by stepflow.logs.
	for _, e := range execs {
		e.Logs = ""
	}
	if execs == nil {
		execs = []*store.WorkflowExecution{}
	}
	return marshalResult(execs)
}

// handleLogs returns the log lines of one execution.
func (s *StepflowServer) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", getErr)), nil
	}
	logs, listErr := s.store.ListExecutionLogs(ctx, executionID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list logs failed: %v", listErr)), nil
	}
	if logs == nil {
		logs = []*store.ExecutionLog{}
	}

	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"logs":         logs,
	})
}

// handleProviders lists the registered provider types.
func (s *StepflowServer) handleProviders(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.providers == nil {
		return mcp.NewToolResultError("no provider registry configured"), nil
	}
	return marshalResult(s.providers.List())
}

// handleStats reports in-process dispatch and throttle state.
func (s *StepflowServer) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("no runner configured"), nil
	}
	return marshalResult(s.runner.Stats())
}

// --- Helpers ---

func errorPayload(err error) map[string]any {
	out := map[string]any{"message": err.Error()}
	if code := schema.CodeOf(err); code != "" {
		out["code"] = code
	}
	return out
}

func extractInt(args map[string]any, key string, defaultVal int) int {
	if args == nil {
		return defaultVal
	}
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
