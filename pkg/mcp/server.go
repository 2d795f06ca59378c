package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/toolflow/internal/definition"
	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/providers"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

// Runner starts workflow runs. *engine.Executor satisfies it.
type Runner interface {
	Stream(ctx context.Context, def *schema.WorkflowDefinition, inputs map[string]any) (*engine.RunHandle, error)
}

// Catalog lists the registered tool providers. *providers.Registry satisfies it.
type Catalog interface {
	List() []providers.ProviderInfo
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner    Runner
	Loader    *definition.Loader
	Providers Catalog
	History   store.RunStore // optional
	Notifier  RunNotifier    // optional, defaults to session notifications
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	runner    Runner
	loader    *definition.Loader
	providers Catalog
	history   store.RunStore
	notifier  RunNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every workflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		runner:    deps.Runner,
		loader:    deps.Loader,
		providers: deps.Providers,
		history:   deps.History,
		notifier:  deps.Notifier,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"toolflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Toolflow runs multi-step workflows across tool providers. Use workflow.providers to discover provider actions, workflow.validate or workflow.plan to check a definition, workflow.run to execute it, and workflow.history to inspect past runs."),
	)
	if s.notifier == nil {
		s.notifier = NewSessionNotifier(mcpSrv)
	}

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: providersTool(), Handler: s.handleProviders},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a workflow definition and return the finished run"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, steps, parallel, on_error, input_schema)")),
		mcp.WithObject("inputs", mcp.Description("Run inputs referenced by {{name}} placeholders and conditions")),
		mcp.WithBoolean("notify", mcp.Description("Push a notification for every run event to this session (default: false)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("workflow.plan",
		mcp.WithDescription("Show the execution order of a workflow definition grouped by dependency level"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func providersTool() mcp.Tool {
	return mcp.NewTool("workflow.providers",
		mcp.WithDescription("List tool providers and their actions"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("workflow.history",
		mcp.WithDescription("Query recorded runs, or one run with its event log"),
		mcp.WithString("run_id", mcp.Description("Return this run with step results and events")),
		mcp.WithString("workflow_id", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Description("Only runs with this status"),
			mcp.Enum(
				string(schema.RunStatusSucceeded),
				string(schema.RunStatusPartiallySucceeded),
				string(schema.RunStatusFailed),
				string(schema.RunStatusRolledBack),
			),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default: 50)")),
	)
}
