// Package main provides the CLI entry point for the agentic task reviewer.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/mcpserver"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	// The agent launches this same binary as its MCP tool server. Those
	// flags never reach cobra.
	if mcpserver.IsServerInvocation(args) {
		return runServer(args[1:])
	}

	rootCmd := newRootCmd()
	rootCmd.SetArgs(args[1:])
	if err := rootCmd.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code.Int()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return domain.ExitError.Int()
	}
	return domain.ExitSuccess.Int()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "atr",
		Short: "Agentic task reviewer - split a diff into reviewable tasks",
		Long: `Drive an ACP coding agent over a diff and collect a validated set of
review tasks that together cover every changed file.

Exit codes:
  0 - Tasks generated
  1 - Agent finished without usable tasks, or tasks failed validation
  2 - Error
  130 - Interrupted`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       buildVersionString(),
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	rootCmd.AddCommand(newReviewCmd(), newTasksCmd(), newAgentsCmd(), newConfigCmd())
	return rootCmd
}

// runServer serves MCP on stdin/stdout until EOF or a signal.
func runServer(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mcpserver.Run(ctx, args, os.Stdin, os.Stdout, os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "atr task server: %v\n", err)
		return domain.ExitError.Int()
	}
	return domain.ExitSuccess.Int()
}
