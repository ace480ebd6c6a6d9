package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/richhaase/agentic-task-reviewer/internal/agent"
	"github.com/richhaase/agentic-task-reviewer/internal/config"
	"github.com/richhaase/agentic-task-reviewer/internal/terminal"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List supported agents and whether they are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			terminal.SetColorsEnabled(terminal.ShouldUseColor(os.Stdout))
			getenv := os.Getenv
			if result, err := config.LoadWithWarnings(); err == nil {
				getenv = result.Config.Getenv(os.Getenv)
			}

			w := cmd.OutOrStdout()
			for _, c := range agent.Candidates(getenv) {
				status := terminal.Colorize(terminal.Green, "available")
				if !c.Available {
					status = terminal.Colorize(terminal.Yellow, "not found")
				}
				fmt.Fprintf(w, "%-8s %-14s %s\n", c.ID, c.Label, status)
				fmt.Fprintf(w, "         %s\n", terminal.Colorize(terminal.Dim, c.CommandLine()))
			}
			return nil
		},
	}
}
