package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/providers"
	"github.com/rendis/stepflow/internal/store"
)

// WorkflowRunner registers and runs workflows. Satisfied by *engine.Runner.
type WorkflowRunner interface {
	Register(ctx context.Context, req engine.RegisterRequest) (*store.Workflow, error)
	Run(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error)
	Stats() engine.ExecutorStats
}

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Runner    WorkflowRunner
	Store     store.Store
	Providers *providers.Registry
	Version   string
	Logger    *slog.Logger
}

// StepflowServer wraps an MCP server with stepflow tool handlers.
type StepflowServer struct {
	runner    WorkflowRunner
	store     store.Store
	providers *providers.Registry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with every tool registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &StepflowServer{
		runner:    deps.Runner,
		store:     deps.Store,
		providers: deps.Providers,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs condition-gated monitoring workflows. Use stepflow.register to store a workflow definition, stepflow.run to execute it, stepflow.executions and stepflow.logs to inspect past runs, stepflow.providers to list provider types, and stepflow.stats to see dispatch and throttle state."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: executionsTool(), Handler: s.handleExecutions},
		{Tool: logsTool(), Handler: s.handleLogs},
		{Tool: providersTool(), Handler: s.handleProviders},
		{Tool: statsTool(), Handler: s.handleStats},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("stepflow.register",
		mcp.WithDescription("Store a workflow definition"),
		mcp.WithString("tenant_id", mcp.Required(), mcp.Description("Tenant that owns the workflow")),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Workflow definition as YAML text")),
		mcp.WithString("name", mcp.Description("Workflow name (default: the definition id)")),
		mcp.WithString("created_by", mcp.Description("Who registers the workflow")),
		mcp.WithNumber("interval", mcp.Description("Run every N seconds; 0 or absent = on demand only")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a stored workflow once"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithString("tenant_id", mcp.Description("Reject the run unless the workflow belongs to this tenant")),
		mcp.WithObject("inputs", mcp.Description("Values overlaying the definition's inputs")),
	)
}

func executionsTool() mcp.Tool {
	return mcp.NewTool("stepflow.executions",
		mcp.WithDescription("List executions of a workflow, newest first"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("status", mcp.Enum("pending", "running", "success", "failed"), mcp.Description("Only executions in this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default 20)")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("stepflow.logs",
		mcp.WithDescription("Get the captured log lines of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func providersTool() mcp.Tool {
	return mcp.NewTool("stepflow.providers",
		mcp.WithDescription("List registered provider types and their authentication schemas"),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("stepflow.stats",
		mcp.WithDescription("Show dispatch pool counters and the state of every throttle"),
	)
}
