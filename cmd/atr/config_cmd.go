package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/richhaase/agentic-task-reviewer/internal/config"
	"github.com/richhaase/agentic-task-reviewer/internal/git"
	"github.com/richhaase/agentic-task-reviewer/internal/terminal"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage atr configuration",
		Long:  "View, initialize, and validate the .atr.yaml file and ATR_* environment variables.",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigInitCmd(), newConfigValidateCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := config.LoadWithWarnings()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			resolved := config.Resolve(result.Config, config.LoadEnvState(), config.FlagState{}, config.Defaults)

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Resolved configuration:")
			fmt.Fprintln(w)
			fmt.Fprintf(w, "  %-16s %s\n", "agent:", resolved.Agent)
			fmt.Fprintf(w, "  %-16s %s\n", "timeout:", resolved.Timeout)
			fmt.Fprintf(w, "  %-16s %s\n", "base:", resolved.Base)
			fmt.Fprintf(w, "  %-16s %t\n", "repo_access:", resolved.RepoAccess)
			dbPath := resolved.DBPath
			if dbPath == "" {
				dbPath = "(<repo>/.atr/reviews.db)"
			}
			fmt.Fprintf(w, "  %-16s %s\n", "db_path:", dbPath)
			serverBin := resolved.MCPServerBin
			if serverBin == "" {
				serverBin = "(this executable)"
			}
			fmt.Fprintf(w, "  %-16s %s\n", "mcp_server_bin:", serverBin)
			fmt.Fprintf(w, "  %-16s %t\n", "debug:", resolved.Debug)

			ids := make([]string, 0, len(result.Config.Agents))
			for id := range result.Config.Agents {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				ac := result.Config.Agents[id]
				if ac.Bin != "" {
					fmt.Fprintf(w, "  %-16s %s\n", "agents."+id+".bin:", ac.Bin)
				}
				if ac.Package != "" {
					fmt.Fprintf(w, "  %-16s %s\n", "agents."+id+".package:", ac.Package)
				}
			}
			return nil
		},
	}
}

const starterConfig = `# atr configuration file

# Agent to run: codex, claude, gemini (default: codex)
# agent: codex

# Timeout for a whole generation run, Go duration or seconds (default: 30m)
# timeout: 30m

# Base ref to diff against when no diff file is given (default: main)
# base: main

# Let the agent read repository files (default: true)
# repo_access: true

# Review database (default: .atr/reviews.db in the repository root)
# db_path: ""

# Binary the agent launches as its task server (default: atr itself)
# mcp_server_bin: ""

# Log protocol traffic to stderr
# debug: false

# Per-agent launch overrides, used when the ATR_* variables are unset
# agents:
#   codex:
#     bin: /usr/local/bin/codex-acp
#   claude:
#     package: "@zed-industries/claude-code-acp@0.5.0"
`

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a starter .atr.yaml file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			repoRoot, err := git.GetRoot()
			if err != nil {
				return fmt.Errorf("not in a git repository: %w", err)
			}
			configPath := filepath.Join(repoRoot, config.ConfigFileName)
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("%s already exists; remove it first or edit it directly", configPath)
			}
			if err := os.WriteFile(configPath, []byte(starterConfig), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", configPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s with default settings (commented out).\n", configPath)
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and environment variables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			terminal.SetColorsEnabled(terminal.ShouldUseColor(os.Stdout))
			logger := terminal.NewLogger()

			cfg := &config.Config{}
			var problems, warnings []string
			result, err := config.LoadWithWarnings()
			if err != nil {
				problems = append(problems, fmt.Sprintf("config file: %v", err))
			} else {
				cfg = result.Config
				warnings = result.Warnings
			}

			resolved := config.Resolve(cfg, config.LoadEnvState(), config.FlagState{}, config.Defaults)
			if err := resolved.Validate(); err != nil {
				problems = append(problems, err.Error())
			}

			for _, w := range warnings {
				logger.Logf(terminal.StyleWarning, "Config: %s", w)
			}
			for _, p := range problems {
				logger.Logf(terminal.StyleError, "%s", p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("configuration has %s", terminal.Pluralize(len(problems), "error", "errors"))
			}
			if len(warnings) > 0 {
				logger.Log("Configuration is valid (with warnings).", terminal.StyleSuccess)
			} else {
				logger.Log("Configuration is valid.", terminal.StyleSuccess)
			}
			return nil
		},
	}
}
