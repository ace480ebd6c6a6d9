package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/git"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
	"github.com/richhaase/agentic-task-reviewer/internal/terminal"
)

func newTasksCmd() *cobra.Command {
	var (
		dbPath  string
		asJSON  bool
		noStyle bool
	)
	cmd := &cobra.Command{
		Use:   "tasks RUN_ID",
		Short: "Show the tasks of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := terminal.NewLogger()
			if dbPath == "" {
				dbPath = os.Getenv("ATR_DB_PATH")
			}
			if dbPath == "" {
				root, err := git.GetRoot()
				if err != nil {
					logger.Log("Not in a git repository; pass --db-path", terminal.StyleError)
					return exitCode(domain.ExitError)
				}
				dbPath = store.DefaultPath(root)
			}
			if _, err := os.Stat(dbPath); err != nil {
				logger.Logf(terminal.StyleError, "No review database at %s", dbPath)
				return exitCode(domain.ExitError)
			}

			st, err := store.Open(cmd.Context(), dbPath)
			if err != nil {
				logger.Logf(terminal.StyleError, "%v", err)
				return exitCode(domain.ExitError)
			}
			defer st.Close()

			styled := !asJSON && !noStyle && terminal.ShouldUseColor(os.Stdout)
			if err := showRun(cmd.Context(), st, args[0], cmd.OutOrStdout(), asJSON, styled); err != nil {
				logger.Logf(terminal.StyleError, "%v", err)
				return exitCode(domain.ExitError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db-path", "", "SQLite database for reviews (default: <repo>/.atr/reviews.db, env: ATR_DB_PATH)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run as JSON")
	cmd.Flags().BoolVar(&noStyle, "plain", false, "Print Markdown without terminal styling")
	return cmd
}

type runView struct {
	Review   *domain.Review      `json:"review"`
	Run      *domain.ReviewRun   `json:"run"`
	Tasks    []domain.ReviewTask `json:"tasks"`
	Feedback []domain.Feedback   `json:"feedback"`
}

func showRun(ctx context.Context, st store.Repository, runID string, w io.Writer, asJSON, styled bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	run, err := st.FindRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}
	review, err := st.FindReview(ctx, run.ReviewID)
	if err != nil {
		return err
	}
	tasks, err := st.FindTasksByRun(ctx, runID)
	if err != nil {
		return err
	}
	feedback, err := st.FindFeedbackByReview(ctx, review.ID)
	if err != nil {
		return err
	}

	if asJSON {
		view := runView{Review: review, Run: run, Tasks: tasks, Feedback: feedback}
		if view.Tasks == nil {
			view.Tasks = []domain.ReviewTask{}
		}
		if view.Feedback == nil {
			view.Feedback = []domain.Feedback{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	md := runMarkdown(review, run, tasks, feedback)
	if styled {
		md = renderMarkdown(md, terminal.ReportWidth())
	}
	_, err = fmt.Fprint(w, md)
	return err
}
