package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/sandbox"
	goutils "github.com/jkaninda/go-utils"
)

var (
	runConfigPath string
	runCommand    string
	runWorkspace  string
	runTimeout    int
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one command in the sandbox and exit",
	Long: `Execute a single command through the full validation and sandbox
pipeline, print the result, and exit with the command's exit code.

Examples:
  ngome run -c "ls -la"
  ngome run -c "python script.py" --workspace ./project --timeout 60
  ngome run -c "npm test" --json

Exit codes mirror the sandboxed command: 0 on success, 1 when the
command was blocked or failed, 124 on timeout.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runCommand, "command", "c", "", "command to execute (required)")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "project directory (default: configured workspace)")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "timeout in seconds (default: configured limit)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full execution result as JSON")
	runCmd.Flags().StringVar(&runConfigPath, "config", config.DefaultConfigPath(), "path to config file")

	_ = runCmd.MarkFlagRequired("command")
}

func runRun(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("NGOME_CONFIG", runConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	workspace := runWorkspace
	if workspace == "" {
		workspace = sc.DefaultWorkspace
	}

	result, err := sc.Executor.Execute(context.Background(), sandbox.ExecutionRequest{
		Command:        runCommand,
		WorkspaceDir:   workspace,
		TimeoutSeconds: runTimeout,
	})
	if err != nil {
		return err
	}

	if runJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(os.Stderr, result.Stderr)
		}
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		if len(result.FilesCreated) > 0 {
			fmt.Fprintf(os.Stderr, "files created: %v\n", result.FilesCreated)
		}
		if len(result.FilesModified) > 0 {
			fmt.Fprintf(os.Stderr, "files modified: %v\n", result.FilesModified)
		}
	}

	sc.Cleanup()
	os.Exit(result.ExitCode)
	return nil
}
