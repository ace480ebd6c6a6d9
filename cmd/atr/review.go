package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/richhaase/agentic-task-reviewer/internal/agent"
	"github.com/richhaase/agentic-task-reviewer/internal/config"
	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/git"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
	"github.com/richhaase/agentic-task-reviewer/internal/taskgen"
	"github.com/richhaase/agentic-task-reviewer/internal/terminal"
)

type reviewFlags struct {
	diffFile     string
	base         string
	agentName    string
	timeout      time.Duration
	repoRoot     string
	noRepoAccess bool
	title        string
	reviewID     string
	dbPath       string
	mcpServerBin string
	debug        bool
	verbose      bool
	noConfig     bool
}

func newReviewCmd() *cobra.Command {
	var f reviewFlags
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Generate review tasks for a diff",
		Long: `Launch an ACP agent, hand it the diff and collect the review tasks it
submits. Without --diff-file the diff is taken from git against --base.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReview(cmd, f)
		},
	}

	// Configuration flags (defaults are resolved via config.Resolve with precedence: flag > env > config > default)
	cmd.Flags().StringVarP(&f.agentName, "agent", "a", "",
		"Agent to run: codex, claude, gemini (default: codex, env: ATR_AGENT)")
	cmd.Flags().StringVarP(&f.base, "base", "b", "",
		"Base ref to diff against when no diff file is given (default: main, env: ATR_BASE_REF)")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0,
		"Timeout for the whole run (default: 30m, env: ATR_TIMEOUT)")
	cmd.Flags().BoolVar(&f.noRepoAccess, "no-repo-access", false,
		"Do not let the agent read files from the repository (env: ATR_REPO_ACCESS=false)")
	cmd.Flags().StringVar(&f.dbPath, "db-path", "",
		"SQLite database for reviews (default: <repo>/.atr/reviews.db, env: ATR_DB_PATH)")
	cmd.Flags().StringVar(&f.mcpServerBin, "mcp-server-bin", "",
		"Binary the agent launches as its task server (default: this executable, env: ATR_MCP_SERVER_BIN)")
	cmd.Flags().BoolVar(&f.debug, "debug", false,
		"Log protocol traffic to stderr (env: ATR_DEBUG)")

	cmd.Flags().StringVarP(&f.diffFile, "diff-file", "f", "",
		"Read the diff from a file, or - for stdin")
	cmd.Flags().StringVar(&f.repoRoot, "repo-root", "",
		"Repository the agent may read (default: git root of the working directory)")
	cmd.Flags().StringVar(&f.title, "title", "",
		"Initial review title, replaced when the agent finalizes")
	cmd.Flags().StringVar(&f.reviewID, "review-id", "",
		"Add this run to an existing review")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false,
		"Print agent messages and thoughts after the run")
	cmd.Flags().BoolVar(&f.noConfig, "no-config", false,
		"Skip loading .atr.yaml config file")

	setGroupedUsage(cmd)
	return cmd
}

func runReview(cmd *cobra.Command, f reviewFlags) error {
	terminal.SetColorsEnabled(terminal.ShouldUseColor(os.Stdout))
	logger := terminal.NewLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr)
			logger.Log("Interrupted, stopping agent...", terminal.StyleWarning)
			cancel()
		case <-ctx.Done():
		}
	}()

	repoRoot := f.repoRoot
	if repoRoot == "" {
		if root, err := git.GetRoot(); err == nil {
			repoRoot = root
		}
	}

	var cfg *config.Config
	if !f.noConfig {
		var (
			result *config.LoadResult
			err    error
		)
		if repoRoot != "" {
			result, err = config.LoadFromDirWithWarnings(repoRoot)
		} else {
			result, err = config.LoadWithWarnings()
		}
		if err != nil {
			logger.Logf(terminal.StyleError, "Config error: %v", err)
			return exitCode(domain.ExitError)
		}
		cfg = result.Config
		for _, w := range result.Warnings {
			logger.Logf(terminal.StyleWarning, "Config: %s", w)
		}
	}

	flagState := config.FlagState{
		AgentSet:        cmd.Flags().Changed("agent"),
		TimeoutSet:      cmd.Flags().Changed("timeout"),
		BaseSet:         cmd.Flags().Changed("base"),
		RepoAccessSet:   cmd.Flags().Changed("no-repo-access"),
		DBPathSet:       cmd.Flags().Changed("db-path"),
		MCPServerBinSet: cmd.Flags().Changed("mcp-server-bin"),
		DebugSet:        cmd.Flags().Changed("debug"),
	}
	flagValues := config.ResolvedConfig{
		Agent:        f.agentName,
		Timeout:      f.timeout,
		Base:         f.base,
		RepoAccess:   !f.noRepoAccess,
		DBPath:       f.dbPath,
		MCPServerBin: f.mcpServerBin,
		Debug:        f.debug,
	}
	resolved := config.Resolve(cfg, config.LoadEnvState(), flagState, flagValues)
	if err := resolved.Validate(); err != nil {
		logger.Logf(terminal.StyleError, "%v", err)
		return exitCode(domain.ExitError)
	}

	opts := ReviewOpts{
		ResolvedConfig: resolved,
		DiffFile:       f.diffFile,
		RepoRoot:       repoRoot,
		Title:          f.title,
		ReviewID:       f.reviewID,
		Verbose:        f.verbose,
		Getenv:         cfg.Getenv(os.Getenv),
	}
	return exitCode(executeReview(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout(), logger))
}

// executeReview runs one generation attempt and reports the outcome.
func executeReview(ctx context.Context, opts ReviewOpts, stdin io.Reader, stdout io.Writer, logger *terminal.Logger) domain.ExitCode {
	diff, inputRef, err := loadDiff(ctx, opts, stdin)
	if err != nil {
		logger.Logf(terminal.StyleError, "%v", err)
		return domain.ExitError
	}
	if strings.TrimSpace(diff) == "" {
		logger.Log("No changes to review", terminal.StyleSuccess)
		return domain.ExitSuccess
	}

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	candidate, err := agent.Resolve(opts.Agent, getenv)
	if err != nil {
		logger.Logf(terminal.StyleError, "%v", err)
		return domain.ExitError
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		base := opts.RepoRoot
		if base == "" {
			if base, err = os.Getwd(); err != nil {
				logger.Logf(terminal.StyleError, "%v", err)
				return domain.ExitError
			}
		}
		dbPath = store.DefaultPath(base)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Logf(terminal.StyleError, "create database directory: %v", err)
		return domain.ExitError
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		logger.Logf(terminal.StyleError, "%v", err)
		return domain.ExitError
	}
	defer st.Close()

	rc := newRunContext(opts, candidate.ID, diff, inputRef)
	if err := store.EnsureRun(ctx, st, rc); err != nil {
		logger.Logf(terminal.StyleError, "record run: %v", err)
		return domain.ExitError
	}

	repoAccess := ""
	if opts.RepoAccess {
		if opts.RepoRoot == "" {
			logger.Log("Not in a git repository; the agent will only see the diff", terminal.StyleWarning)
		} else {
			repoAccess = opts.RepoRoot
		}
	}

	logger.Logf(terminal.StyleInfo, "Generating tasks with %s%s%s (run %s)",
		terminal.Color(terminal.Bold), candidate.Label, terminal.Color(terminal.Reset), rc.RunID)

	progress := make(chan taskgen.ProgressEvent, 64)
	spinner := terminal.NewSpinner("Starting agent", "updates")
	spinnerCtx, spinnerCancel := context.WithCancel(context.Background())
	spinnerDone := make(chan struct{})
	go func() {
		spinner.Run(spinnerCtx)
		close(spinnerDone)
	}()
	progressDone := make(chan struct{})
	go func() {
		trackProgress(progress, spinner)
		close(progressDone)
	}()

	start := time.Now()
	result, genErr := taskgen.Generate(ctx, taskgen.GenerateInput{
		RunContext:      rc,
		RepoRoot:        repoAccess,
		AgentCommand:    candidate.Command,
		AgentArgs:       candidate.Args,
		MCPServerBinary: opts.MCPServerBin,
		DBPath:          dbPath,
		Timeout:         opts.Timeout,
		Progress:        progress,
		Debug:           opts.Debug,
		Store:           st,
	})
	close(progress)
	<-progressDone
	spinnerCancel()
	<-spinnerDone

	// The run record outlives ctx, so persist with a fresh one.
	persistCtx := context.Background()
	if genErr != nil {
		if err := st.UpdateRunStatus(persistCtx, rc.RunID, domain.RunFailed); err != nil {
			logger.Logf(terminal.StyleWarning, "Could not mark run failed: %v", err)
		}
		reportFailure(genErr, logger)
		return exitCodeFor(genErr)
	}

	if err := persistResult(persistCtx, st, rc, result); err != nil {
		logger.Logf(terminal.StyleError, "save tasks: %v", err)
		return domain.ExitError
	}

	logger.Logf(terminal.StyleSuccess, "Captured %s in %s",
		terminal.Pluralize(len(result.Tasks), "task", "tasks"), terminal.FormatDuration(time.Since(start)))
	if opts.Verbose {
		printTranscript(stdout, result)
	}
	printTaskSummary(stdout, result)
	fmt.Fprintf(stdout, "\nRun %s stored in %s. Show it with: atr tasks %s\n", rc.RunID, dbPath, rc.RunID)
	return domain.ExitSuccess
}

// loadDiff returns the diff text and a reference describing where it came from.
func loadDiff(ctx context.Context, opts ReviewOpts, stdin io.Reader) (string, string, error) {
	switch opts.DiffFile {
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", "", fmt.Errorf("read diff from stdin: %w", err)
		}
		return string(data), "stdin", nil
	case "":
		if opts.RepoRoot == "" {
			return "", "", fmt.Errorf("not in a git repository; pass --diff-file or --repo-root")
		}
		base := git.ResolveBaseRef(ctx, opts.Base, opts.RepoRoot)
		diff, err := git.GetDiff(ctx, base, opts.RepoRoot)
		if err != nil {
			return "", "", err
		}
		return diff, "git diff " + base, nil
	default:
		data, err := os.ReadFile(opts.DiffFile)
		if err != nil {
			return "", "", fmt.Errorf("read diff file: %w", err)
		}
		return string(data), opts.DiffFile, nil
	}
}

func newRunContext(opts ReviewOpts, agentID, diff, inputRef string) *domain.RunContext {
	reviewID := opts.ReviewID
	if reviewID == "" {
		reviewID = uuid.New().String()
	}
	hash := diffindex.Hash(diff)
	now := time.Now().UTC()
	return &domain.RunContext{
		ReviewID:     reviewID,
		RunID:        uuid.New().String(),
		AgentID:      agentID,
		InputRef:     inputRef,
		DiffText:     diff,
		DiffHash:     hash,
		Source:       domain.ReviewSource{Type: domain.SourceDiffPaste, DiffHash: hash},
		InitialTitle: opts.Title,
		CreatedAt:    &now,
	}
}

// persistResult stores tasks captured outside the task server and marks the
// run completed.
func persistResult(ctx context.Context, st store.Repository, rc *domain.RunContext, result *taskgen.GenerateResult) error {
	return st.WithTx(ctx, func(tx store.Repository) error {
		for i := range result.Tasks {
			t := result.Tasks[i]
			t.RunID = rc.RunID
			if err := tx.SaveTask(ctx, &t); err != nil {
				return err
			}
		}
		if fin := result.Finalize; fin != nil {
			summary := fin.Summary
			if summary == "" {
				if existing, err := tx.FindReview(ctx, rc.ReviewID); err == nil {
					summary = existing.Summary
				}
			}
			if err := tx.UpdateReviewMetadata(ctx, rc.ReviewID, fin.Title, summary); err != nil {
				return err
			}
		}
		return tx.UpdateRunStatus(ctx, rc.RunID, domain.RunCompleted)
	})
}

var stateLabels = map[taskgen.State]string{
	taskgen.StateSpawning:    "Starting agent",
	taskgen.StateHandshaking: "Connecting to agent",
	taskgen.StatePrompting:   "Sending diff",
	taskgen.StateRunning:     "Agent reviewing",
	taskgen.StateFinalizing:  "Finalizing",
}

// trackProgress drives the spinner until events is closed.
func trackProgress(events <-chan taskgen.ProgressEvent, spinner *terminal.Spinner) {
	var updates int64
	for ev := range events {
		switch ev.Kind {
		case taskgen.ProgressState:
			if label, ok := stateLabels[ev.State]; ok {
				spinner.SetLabel(label)
			}
		case taskgen.ProgressUpdate:
			updates++
			spinner.SetCount(updates)
		}
	}
}

func reportFailure(err error, logger *terminal.Logger) {
	var (
		incomplete *domain.IncompleteRunError
		cancelled  *domain.CancellationError
		timedOut   *domain.TimeoutError
	)
	switch {
	case errors.As(err, &cancelled):
		logger.Log("Run cancelled", terminal.StyleWarning)
	case errors.As(err, &incomplete):
		logger.Logf(terminal.StyleError, "%v", err)
		fmt.Fprintln(os.Stderr, terminal.Indent(incomplete.Diagnostics(), "  "))
	case errors.As(err, &timedOut):
		logger.Logf(terminal.StyleError, "%v", err)
	default:
		logger.Logf(terminal.StyleError, "Task generation failed: %v", err)
	}
}
