package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shaiso/Promptline/internal/domain"
)

// Store — операции хранилища, нужные MCP-инструментам.
type Store interface {
	ListWorkflows(ctx context.Context) ([]domain.Workflow, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowWithSteps, error)
}

// Executor запускает executions и отдаёт их детали (engine.Engine).
type Executor interface {
	StartExecution(ctx context.Context, workflowID uuid.UUID, initialContext map[string]any) (*domain.Execution, error)
	GetExecutionDetail(ctx context.Context, id uuid.UUID) (*domain.ExecutionDetail, error)
}

// Config — зависимости MCP-сервера.
type Config struct {
	Store    Store
	Executor Executor
	Version  string

	// PollInterval — период опроса execution при wait=true. По умолчанию 250ms.
	PollInterval time.Duration

	// MaxWait — верхняя граница ожидания при wait=true. По умолчанию 5m.
	MaxWait time.Duration

	Logger *slog.Logger
}

// Server — MCP-сервер с инструментами Promptline.
type Server struct {
	store        Store
	executor     Executor
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// New создаёт Server и регистрирует инструменты.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		store:        cfg.Store,
		executor:     cfg.Executor,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		logger:       logger.With("component", "mcp"),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 250 * time.Millisecond
	}
	if s.maxWait <= 0 {
		s.maxWait = 5 * time.Minute
	}

	mcpSrv := server.NewMCPServer(
		"promptline",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Promptline runs multi-step LLM prompt workflows. Use promptline.list_workflows to find a workflow, promptline.run to execute it with an initial context, and promptline.status to inspect an execution and its step logs."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve запускает stdio-транспорт и блокируется до отмены ctx или закрытия in.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("mcp server listening on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// MCPServer возвращает нижележащий MCPServer (тесты, другие транспорты).
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
	}
}

func runTool() mcp.Tool {
	return mcp.NewTool("promptline.run",
		mcp.WithDescription("Execute a workflow. By default waits until the execution completes or fails and returns its step logs."),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Workflow ID or exact workflow name")),
		mcp.WithObject("initial_context", mcp.Description("Variables for {{placeholders}} in prompt templates, e.g. {\"input\": \"...\"}")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the execution to finish (default true)")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Maximum time to wait when wait=true (default 120)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("promptline.status",
		mcp.WithDescription("Get an execution with its per-attempt step logs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("promptline.list_workflows",
		mcp.WithDescription("List workflows with their step count"),
	)
}
