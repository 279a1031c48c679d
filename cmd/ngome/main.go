// Ngome — sandboxed command execution for untrusted, machine-generated commands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngome",
	Short: "Ngome — hardened sandbox for executing untrusted commands.",
	Long: `Ngome is a security-first execution sandbox. Every command passes through
a layered validator (danger patterns, executable whitelist, structural
heuristics) and then runs inside an ephemeral hardened container, falling
back to a resource-limited local process when no container runtime is
available. Filesystem changes are tracked and reported per execution.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
