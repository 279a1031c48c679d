package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox as an MCP server over stdio",
	Long: `Expose the sandbox executor as a Model Context Protocol server on
stdin/stdout. AI agent hosts (Claude Desktop, IDE integrations) can then
execute commands through the full validation and isolation pipeline.

Tools exposed: execute_command, sandbox_stats, sandbox_cleanup.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout carries the MCP stream; logs must go to stderr only.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("NGOME_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv := mcpserver.New(mcpserver.Config{
		DefaultWorkspace: sc.DefaultWorkspace,
	}, sc.Executor, version, logger)

	return srv.ServeStdio()
}
