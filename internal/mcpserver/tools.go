package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/feedback"
	"github.com/richhaase/agentic-task-reviewer/internal/repofs"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
	"github.com/richhaase/agentic-task-reviewer/internal/tasks"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(returnTaskTool(), s.handle("return_task", s.toolReturnTask))
	s.mcp.AddTool(mcp.NewTool("finalize_review",
		mcp.WithDescription("Finish the review with a title and optional summary. Call exactly once, after every task has been returned."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Review title, short and specific to the change.")),
		mcp.WithString("summary", mcp.Description("Optional short summary of the change and its main risks.")),
	), s.handle("finalize_review", s.toolFinalizeReview))
	s.mcp.AddTool(mcp.NewTool("add_feedback",
		mcp.WithDescription("Raise a review comment on a changed line. Anchor it with hunk_id + line_id (preferred), "+
			"hunk_id + line_content, or file + line."),
		mcp.WithString("hunk_id", mcp.Description("Hunk id from the manifest, e.g. 'src/a.rs#H1'.")),
		mcp.WithString("line_id", mcp.Description("Line id within the hunk, e.g. 'L3'.")),
		mcp.WithString("line_content", mcp.Description("Exact text of one line in the hunk.")),
		mcp.WithString("file", mcp.Description("File path in the diff.")),
		mcp.WithNumber("line", mcp.Description("Line number on the chosen side.")),
		mcp.WithString("side", mcp.Enum("old", "new"), mcp.Description("Diff side (default new).")),
		mcp.WithString("impact", mcp.Enum("nitpick", "nice_to_have", "blocking")),
		mcp.WithString("title", mcp.Description("Short title. Defaults to the start of the body.")),
		mcp.WithString("body", mcp.Required(), mcp.Description("The comment text.")),
		mcp.WithString("task_id", mcp.Description("Task this feedback belongs to. Matched by location when omitted.")),
		mcp.WithNumber("confidence", mcp.Min(0), mcp.Max(1), mcp.Description("Confidence from 0 to 1 (default 1).")),
	), s.handle("add_feedback", s.toolAddFeedback))

	if s.root == nil {
		return
	}
	s.mcp.AddTool(mcp.NewTool("repo_search",
		mcp.WithDescription("Search text in the repository (read-only)."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to search for (literal unless regex=true).")),
		mcp.WithString("path", mcp.Description("Optional file or directory relative to the repo root.")),
		mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum matches (default %d, max %d).", repofs.DefaultSearchLimit, repofs.MaxSearchLimit))),
		mcp.WithBoolean("case_sensitive", mcp.Description("Case-sensitive match (default false).")),
		mcp.WithBoolean("regex", mcp.Description("Interpret query as a regex (default false).")),
		mcp.WithArray("extensions", mcp.WithStringItems(), mcp.Description("File extensions to include, e.g. [\"rs\", \"ts\"].")),
		mcp.WithBoolean("include_hidden", mcp.Description("Include hidden files (default false).")),
	), s.handle("repo_search", s.toolRepoSearch))
	s.mcp.AddTool(mcp.NewTool("repo_list_files",
		mcp.WithDescription("List files in the repository (read-only)."),
		mcp.WithString("path", mcp.Description("Optional file or directory relative to the repo root.")),
		mcp.WithNumber("limit", mcp.Description(fmt.Sprintf("Maximum entries (default %d, max %d).", repofs.DefaultListLimit, repofs.MaxListLimit))),
		mcp.WithNumber("max_depth", mcp.Description("Optional maximum traversal depth.")),
		mcp.WithArray("extensions", mcp.WithStringItems(), mcp.Description("File extensions to include.")),
		mcp.WithBoolean("include_dirs", mcp.Description("Include directories (default false).")),
		mcp.WithBoolean("include_hidden", mcp.Description("Include hidden files and directories (default false).")),
	), s.handle("repo_list_files", s.toolRepoListFiles))
}

func returnTaskTool() mcp.Tool {
	hunk := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"old_start": map[string]string{"type": "integer"},
			"old_lines": map[string]string{"type": "integer"},
			"new_start": map[string]string{"type": "integer"},
			"new_lines": map[string]string{"type": "integer"},
		},
		"required": []string{"old_start", "old_lines", "new_start", "new_lines"},
	}
	return mcp.NewTool("return_task",
		mcp.WithDescription("Submit one review task. Call once per task. Each task must include id, title, "+
			"description, stats (risk, tags), diagram, and diff_refs or hunk_ids. Files and line counts "+
			"are computed from the referenced hunks."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Short stable task id, e.g. 'T1' or 'auth-T1'.")),
		mcp.WithString("title", mcp.Required(), mcp.Description("One-line summary in imperative mood.")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the code does, what changed, and what reviewers should verify.")),
		mcp.WithObject("stats", mcp.Required(),
			mcp.Description("Risk and tags. Additions, deletions and files are computed."),
			mcp.Properties(map[string]any{
				"risk": map[string]any{"type": "string", "enum": []string{"LOW", "MEDIUM", "HIGH"}},
				"tags": map[string]any{"type": "array", "items": map[string]string{"type": "string"}},
			}),
		),
		mcp.WithArray("diff_refs", mcp.Items(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file":  map[string]string{"type": "string", "description": "Path in the diff, without a/ or b/ prefixes."},
				"hunks": map[string]any{"type": "array", "items": hunk, "description": "Hunk coordinates, or empty for every hunk in the file."},
			},
			"required": []string{"file"},
		})),
		mcp.WithArray("hunk_ids", mcp.WithStringItems(),
			mcp.Description("Hunk ids from the manifest, e.g. 'src/a.rs#H1'. Used when diff_refs is empty.")),
		mcp.WithString("sub_flow", mcp.Description("Optional grouping name shared by related tasks.")),
		mcp.WithString("insight", mcp.Description("Optional note for the reviewer.")),
		mcp.WithString("diagram", mcp.Required(), mcp.Description("Required D2 diagram of the flow or structure under review.")),
	)
}

type taskRecord struct {
	Type string `json:"type"`
	*domain.ReviewTask
}

type metadataRecord struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

type statusReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

func (s *Server) toolReturnTask(ctx context.Context, raw json.RawMessage) (any, error) {
	task, err := tasks.Prepare(raw, s.index, s.run.RunID)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(r store.Repository) error {
		if err := store.EnsureRun(ctx, r, s.run); err != nil {
			return err
		}
		return r.SaveTask(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	s.logger.Info("task accepted", "task_id", task.ID, "files", len(task.Files),
		"additions", task.Stats.Additions, "deletions", task.Stats.Deletions)

	if err := s.mirror.append(taskRecord{Type: "task", ReviewTask: task}); err != nil {
		s.logger.Warn("mirror task", "error", err)
	}
	return statusReply{
		Status:  "ok",
		Message: fmt.Sprintf("Task %s received successfully", task.ID),
		TaskID:  task.ID,
	}, nil
}

func (s *Server) toolFinalizeReview(ctx context.Context, raw json.RawMessage) (any, error) {
	fin, err := tasks.ParseFinalize(raw)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTx(ctx, func(r store.Repository) error {
		if err := store.EnsureRun(ctx, r, s.run); err != nil {
			return err
		}
		summary := fin.Summary
		if summary == "" {
			existing, err := r.FindReview(ctx, s.run.ReviewID)
			if err != nil {
				return err
			}
			summary = existing.Summary
		}
		if err := r.UpdateReviewMetadata(ctx, s.run.ReviewID, fin.Title, summary); err != nil {
			return err
		}
		return r.UpdateRunStatus(ctx, s.run.RunID, domain.RunCompleted)
	})
	if err != nil {
		return nil, fmt.Errorf("finalize review: %w", err)
	}
	s.logger.Info("review finalized", "title", fin.Title)

	if err := s.mirror.append(metadataRecord{Type: "review_metadata", Title: fin.Title, Summary: fin.Summary}); err != nil {
		s.logger.Warn("mirror metadata", "error", err)
	}
	return statusReply{Status: "ok", Message: "Review finalized successfully"}, nil
}

func (s *Server) toolAddFeedback(ctx context.Context, raw json.RawMessage) (any, error) {
	in, err := feedback.ParseInput(raw)
	if err != nil {
		return nil, err
	}
	res, err := s.ingester.Ingest(ctx, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info("feedback accepted", "feedback_id", res.FeedbackID, "task_id", res.TaskID, "file", res.FilePath, "line", res.Line)
	return struct {
		Status string `json:"status"`
		*feedback.Result
	}{Status: "ok", Result: res}, nil
}

type repoSearchArgs struct {
	Query         string   `json:"query"`
	Path          string   `json:"path"`
	Limit         int      `json:"limit"`
	CaseSensitive bool     `json:"case_sensitive"`
	Regex         bool     `json:"regex"`
	Extensions    []string `json:"extensions"`
	IncludeHidden bool     `json:"include_hidden"`
}

func (s *Server) toolRepoSearch(_ context.Context, raw json.RawMessage) (any, error) {
	var args repoSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &domain.ValidationError{Reason: "invalid repo_search arguments", Err: err}
	}
	matches, truncated, err := s.root.Search(repofs.SearchOptions{
		Query:         args.Query,
		Path:          args.Path,
		Limit:         args.Limit,
		CaseSensitive: args.CaseSensitive,
		Regex:         args.Regex,
		Extensions:    args.Extensions,
		IncludeHidden: args.IncludeHidden,
	})
	if err != nil {
		return nil, &domain.ValidationError{Reason: "repo_search failed", Err: err}
	}
	return map[string]any{"matches": matches, "truncated": truncated}, nil
}

type repoListArgs struct {
	Path          string   `json:"path"`
	Limit         int      `json:"limit"`
	MaxDepth      int      `json:"max_depth"`
	Extensions    []string `json:"extensions"`
	IncludeDirs   bool     `json:"include_dirs"`
	IncludeHidden bool     `json:"include_hidden"`
}

func (s *Server) toolRepoListFiles(_ context.Context, raw json.RawMessage) (any, error) {
	var args repoListArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &domain.ValidationError{Reason: "invalid repo_list_files arguments", Err: err}
	}
	entries, truncated, err := s.root.List(repofs.ListOptions{
		Path:          args.Path,
		Limit:         args.Limit,
		MaxDepth:      args.MaxDepth,
		Extensions:    args.Extensions,
		IncludeDirs:   args.IncludeDirs,
		IncludeHidden: args.IncludeHidden,
	})
	if err != nil {
		return nil, &domain.ValidationError{Reason: "repo_list_files failed", Err: err}
	}
	return map[string]any{"entries": entries, "truncated": truncated}, nil
}
