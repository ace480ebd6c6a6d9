package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
)

// TitleLength is how many characters of the body become the default title.
const TitleLength = 50

// Result identifies what an ingest call stored.
type Result struct {
	FeedbackID string `json:"feedback_id"`
	CommentID  string `json:"comment_id"`
	TaskID     string `json:"task_id,omitempty"`
	FilePath   string `json:"file"`
	Line       int    `json:"line"`
	Side       string `json:"side"`
}

// Ingester validates feedback against the diff and persists it.
type Ingester struct {
	index  *diffindex.Index
	run    *domain.RunContext
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewIngester creates an Ingester for one run.
func NewIngester(idx *diffindex.Index, run *domain.RunContext, repo store.Repository, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ingester{index: idx, run: run, repo: repo, logger: logger, now: time.Now}
}

// Ingest resolves the anchor, picks the owning task and stores the feedback
// with its first comment in a single transaction.
func (g *Ingester) Ingest(ctx context.Context, in *Input) (*Result, error) {
	anchor, err := Resolve(g.index, in)
	if err != nil {
		return nil, err
	}
	impact, err := domain.ParseImpact(in.Impact)
	if err != nil {
		return nil, &domain.ValidationError{Reason: "invalid impact", Err: err}
	}

	now := g.now()
	author := "agent:" + g.run.AgentID
	fb := &domain.Feedback{
		ID:         uuid.New().String(),
		ReviewID:   g.run.ReviewID,
		Title:      defaultTitle(in.Title, in.Body),
		Status:     domain.FeedbackTodo,
		Impact:     impact,
		Confidence: clampConfidence(in.Confidence),
		Anchor:     anchor,
		Author:     author,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	comment := &domain.Comment{
		ID:         uuid.New().String(),
		FeedbackID: fb.ID,
		Author:     author,
		Body:       in.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = g.repo.WithTx(ctx, func(r store.Repository) error {
		if err := store.EnsureRun(ctx, r, g.run); err != nil {
			return err
		}
		tasks, err := r.FindTasksByRun(ctx, g.run.RunID)
		if err != nil {
			return err
		}
		taskID, err := g.matchTask(tasks, in.TaskID, anchor)
		if err != nil {
			return err
		}
		fb.TaskID = taskID
		if err := r.SaveFeedback(ctx, fb); err != nil {
			return err
		}
		return r.SaveComment(ctx, comment)
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		FeedbackID: fb.ID,
		CommentID:  comment.ID,
		TaskID:     fb.TaskID,
		FilePath:   anchor.FilePath,
		Line:       anchor.Line,
		Side:       string(anchor.Side),
	}, nil
}

func (g *Ingester) matchTask(tasks []domain.ReviewTask, requested string, anchor domain.FeedbackAnchor) (string, error) {
	if requested != "" {
		for _, t := range tasks {
			if t.ID == requested {
				return requested, nil
			}
		}
		return "", &domain.ValidationError{Reason: fmt.Sprintf("task ID '%s' not found in current review run", requested)}
	}
	for _, t := range tasks {
		if CoversLine(t, anchor.FilePath, anchor.Line, anchor.Side) {
			return t.ID, nil
		}
	}
	g.logger.Info("feedback outside all tasks, saving as unassigned",
		"file", anchor.FilePath, "line", anchor.Line, "side", string(anchor.Side))
	return "", nil
}

func defaultTitle(title, body string) string {
	if title != "" {
		return title
	}
	runes := []rune(strings.TrimSpace(body))
	if len(runes) > TitleLength {
		runes = runes[:TitleLength]
	}
	return string(runes)
}

func clampConfidence(c *float64) float64 {
	switch {
	case c == nil:
		return 1
	case *c < 0:
		return 0
	case *c > 1:
		return 1
	default:
		return *c
	}
}
