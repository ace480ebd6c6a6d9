package main

import "github.com/richhaase/agentic-task-reviewer/internal/config"

// ReviewOpts holds all resolved configuration and runtime flags needed to
// execute a task generation run. It bundles config.ResolvedConfig (from
// flag/env/file resolution) with CLI-only flags that don't participate in
// config resolution.
type ReviewOpts struct {
	config.ResolvedConfig

	// CLI-only flags (not part of config resolution)
	DiffFile string // "-" reads the diff from stdin
	RepoRoot string // Empty when running outside a repository
	Title    string
	ReviewID string // Attach the run to an existing review
	Verbose  bool

	// Getenv resolves agent override variables, with config file fallbacks.
	Getenv func(string) string
}
