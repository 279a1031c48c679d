// Package mcpserver exposes the sandbox executor as an MCP (Model
// Context Protocol) server over stdio, so AI agent hosts can run
// commands through the full validation and isolation pipeline without
// touching HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/ngome/internal/sandbox"
)

// Config configures the MCP server.
type Config struct {
	// DefaultWorkspace is used when a tool call omits the workspace
	// argument.
	DefaultWorkspace string
}

// Server adapts the executor to MCP tool calls.
type Server struct {
	config   Config
	executor *sandbox.Executor
	mcp      *server.MCPServer
	logger   *slog.Logger
}

// New builds the MCP server and registers the sandbox tools.
func New(cfg Config, exec *sandbox.Executor, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   cfg,
		executor: exec,
		logger:   logger,
	}

	s.mcp = server.NewMCPServer("ngome", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.mcp.AddTool(
		mcp.NewTool("execute_command",
			mcp.WithDescription("Execute a shell command in an isolated sandbox. The command is validated against a security policy before running; dangerous commands are blocked."),
			mcp.WithString("command",
				mcp.Required(),
				mcp.Description("The shell command to execute"),
			),
			mcp.WithString("workspace",
				mcp.Description("Project directory the command runs against (default: configured workspace)"),
			),
			mcp.WithNumber("timeout_seconds",
				mcp.Description("Execution timeout in seconds (default: configured limit)"),
			),
		),
		s.handleExecute,
	)

	s.mcp.AddTool(
		mcp.NewTool("sandbox_stats",
			mcp.WithDescription("Executor and security validator statistics: execution counts, block rate, active resources."),
		),
		s.handleStats,
	)

	s.mcp.AddTool(
		mcp.NewTool("sandbox_cleanup",
			mcp.WithDescription("Tear down backend resources of a finished execution, or all of them when no execution_id is given."),
			mcp.WithString("execution_id",
				mcp.Description("Execution ID to clean up (empty = all)"),
			),
		),
		s.handleCleanup,
	)

	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout until the
// stream closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	workspace := req.GetString("workspace", s.config.DefaultWorkspace)
	if workspace == "" {
		return mcp.NewToolResultError("workspace is required: pass the workspace argument or configure a default"), nil
	}
	timeout := req.GetInt("timeout_seconds", 0)

	result, err := s.executor.Execute(ctx, sandbox.ExecutionRequest{
		Command:        command,
		WorkspaceDir:   workspace,
		TimeoutSeconds: timeout,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(s.executor.Stats(), "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleCleanup(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("execution_id", "")
	if id == "" {
		before := s.executor.Stats().ActiveResourceCount
		s.executor.CleanupAll()
		return mcp.NewToolResultText(fmt.Sprintf("cleaned %d executions", before)), nil
	}
	s.executor.Cleanup(id)
	return mcp.NewToolResultText("cleaned execution " + id), nil
}
