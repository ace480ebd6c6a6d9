// Package mcpserver is the MCP tool server the agent launches to submit
// review tasks, finalize the review and raise feedback.
//
// It speaks line-delimited JSON-RPC 2.0 on stdin/stdout, validates every
// submission against the run's diff and writes accepted records to the
// shared store. The server is entered by re-invoking the atr binary with
// --task-mcp-server; stdout belongs to the protocol, so diagnostics go to
// an optional log file.
package mcpserver

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// ServerFlag marks an invocation of the binary as the MCP tool server.
const ServerFlag = "--task-mcp-server"

// Environment fallbacks for the server flags.
const (
	EnvRunContext = "ATR_RUN_CONTEXT"
	EnvDBPath     = "ATR_DB_PATH"
	EnvRepoRoot   = "ATR_REPO_ROOT"
	EnvTasksOut   = "ATR_TASKS_OUT"
	EnvLogFile    = "ATR_MCP_LOG"
)

// Config holds the server settings. Flags win over environment variables.
type Config struct {
	RunContextPath string
	DBPath         string
	RepoRoot       string
	TasksOut       string
	LogFile        string
}

// IsServerInvocation reports whether args ask for server mode.
func IsServerInvocation(args []string) bool {
	for _, a := range args {
		if a == ServerFlag {
			return true
		}
	}
	return false
}

// LoadConfig parses server-mode arguments, falling back to getenv for
// anything not given on the command line.
func LoadConfig(args []string, getenv func(string) string) (*Config, error) {
	fs := pflag.NewFlagSet("atr-mcp", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg Config
	fs.Bool(strings.TrimPrefix(ServerFlag, "--"), false, "run as the MCP task server")
	fs.StringVar(&cfg.RunContextPath, "pr-context", "", "path to the run context JSON file")
	fs.StringVar(&cfg.DBPath, "db-path", "", "path to the review database")
	fs.StringVar(&cfg.RepoRoot, "repo-root", "", "repository root for read-only repo tools")
	fs.StringVar(&cfg.TasksOut, "tasks-out", "", "append accepted submissions to this JSONL file")
	fs.StringVar(&cfg.LogFile, "log-file", "", "write server logs to this file")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse server flags: %w", err)
	}

	fallback := func(name string, dst *string, env string) {
		if !fs.Changed(name) {
			*dst = getenv(env)
		}
	}
	fallback("pr-context", &cfg.RunContextPath, EnvRunContext)
	fallback("db-path", &cfg.DBPath, EnvDBPath)
	fallback("repo-root", &cfg.RepoRoot, EnvRepoRoot)
	fallback("tasks-out", &cfg.TasksOut, EnvTasksOut)
	fallback("log-file", &cfg.LogFile, EnvLogFile)

	if cfg.RunContextPath == "" {
		return nil, fmt.Errorf("missing run context: pass --pr-context or set %s", EnvRunContext)
	}
	return &cfg, nil
}
