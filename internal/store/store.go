// Package store persists reviews, runs, tasks, feedback and comments in a
// SQLite database shared by the CLI and the MCP tool server processes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// ErrNotFound is returned by Find methods when no row matches.
var ErrNotFound = errors.New("not found")

// DefaultDir is the directory, relative to the repository root, that holds
// the default database.
const DefaultDir = ".atr"

// DefaultPath returns the default database path under root.
func DefaultPath(root string) string {
	return filepath.Join(root, DefaultDir, "reviews.db")
}

// Repository is the persistence surface used by ingest and the CLI.
// All Save methods are upserts keyed by id.
type Repository interface {
	SaveReview(ctx context.Context, r *domain.Review) error
	UpdateReviewMetadata(ctx context.Context, reviewID, title, summary string) error
	SetActiveRun(ctx context.Context, reviewID, runID string) error
	SaveRun(ctx context.Context, run *domain.ReviewRun) error
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	SaveTask(ctx context.Context, t *domain.ReviewTask) error
	SaveFeedback(ctx context.Context, f *domain.Feedback) error
	SaveComment(ctx context.Context, c *domain.Comment) error

	FindReview(ctx context.Context, id string) (*domain.Review, error)
	FindRun(ctx context.Context, id string) (*domain.ReviewRun, error)
	FindTasksByRun(ctx context.Context, runID string) ([]domain.ReviewTask, error)
	FindFeedbackByReview(ctx context.Context, reviewID string) ([]domain.Feedback, error)
	FindCommentsByFeedback(ctx context.Context, feedbackID string) ([]domain.Comment, error)

	WithTx(ctx context.Context, fn func(Repository) error) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed Repository.
type Store struct {
	db  *sql.DB
	q   querier
	now func() time.Time
}

var _ Repository = (*Store)(nil)

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	// WAL plus a busy timeout lets the CLI and the tool server share the file.
	// Immediate transactions take the write lock at BEGIN, so a read-then-write
	// transaction waits out the busy timeout instead of failing on upgrade.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := ApplyMigrations(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{db: conn, q: conn, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn against a transaction-scoped repository. The transaction
// commits if fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(Repository) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx, now: s.now}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

// SaveReview inserts the review, or refreshes its source and timestamp if it
// already exists. An existing title and summary are left untouched; use
// UpdateReviewMetadata to change them.
func (s *Store) SaveReview(ctx context.Context, r *domain.Review) error {
	source, err := r.SourceJSON()
	if err != nil {
		return err
	}
	now := s.now()
	title := r.Title
	if title == "" {
		title = domain.DefaultReviewTitle
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO reviews (id, title, summary, source_json, active_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_json = excluded.source_json,
			active_run_id = CASE WHEN excluded.active_run_id <> '' THEN excluded.active_run_id ELSE reviews.active_run_id END,
			updated_at = excluded.updated_at`,
		r.ID, title, r.Summary, source, r.ActiveRunID,
		formatTime(s.stamp(r.CreatedAt)), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save review %s: %w", r.ID, err)
	}
	return nil
}

// UpdateReviewMetadata sets the title and summary of an existing review.
func (s *Store) UpdateReviewMetadata(ctx context.Context, reviewID, title, summary string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE reviews SET title = ?, summary = ?, updated_at = ? WHERE id = ?`,
		title, summary, formatTime(s.now()), reviewID,
	)
	if err != nil {
		return fmt.Errorf("update review %s: %w", reviewID, err)
	}
	return requireRow(res, "review", reviewID)
}

// SetActiveRun points the review at runID.
func (s *Store) SetActiveRun(ctx context.Context, reviewID, runID string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE reviews SET active_run_id = ?, updated_at = ? WHERE id = ?`,
		runID, formatTime(s.now()), reviewID,
	)
	if err != nil {
		return fmt.Errorf("set active run for review %s: %w", reviewID, err)
	}
	return requireRow(res, "review", reviewID)
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// SaveRun inserts the run if it does not exist yet. Status changes go
// through UpdateRunStatus so that a late task cannot reopen a completed run.
func (s *Store) SaveRun(ctx context.Context, run *domain.ReviewRun) error {
	status := run.Status
	if status == "" {
		status = domain.RunRunning
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO review_runs (id, review_id, agent_id, input_ref, diff_text, diff_hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		run.ID, run.ReviewID, run.AgentID, run.InputRef, run.DiffText, run.DiffHash,
		string(status), formatTime(s.stamp(run.CreatedAt)),
	)
	if err != nil {
		return fmt.Errorf("save review run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRunStatus sets the status of an existing run.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE review_runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	return requireRow(res, "review run", runID)
}

// SaveTask upserts a task keyed by (run_id, id).
func (s *Store) SaveTask(ctx context.Context, t *domain.ReviewTask) error {
	files, err := json.Marshal(nonNil(t.Files))
	if err != nil {
		return fmt.Errorf("encode task files: %w", err)
	}
	stats, err := json.Marshal(t.Stats)
	if err != nil {
		return fmt.Errorf("encode task stats: %w", err)
	}
	refs, err := json.Marshal(t.DiffRefs)
	if err != nil {
		return fmt.Errorf("encode task diff refs: %w", err)
	}
	status := t.Status
	if status == "" {
		status = domain.TaskPending
	}
	now := formatTime(s.now())

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, run_id, title, description, files_json, stats_json, insight,
			diff_refs_json, diagram, sub_flow, status, ai_generated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			files_json = excluded.files_json,
			stats_json = excluded.stats_json,
			insight = excluded.insight,
			diff_refs_json = excluded.diff_refs_json,
			diagram = excluded.diagram,
			sub_flow = excluded.sub_flow,
			ai_generated = excluded.ai_generated,
			updated_at = excluded.updated_at`,
		t.ID, t.RunID, t.Title, t.Description, string(files), string(stats), t.Insight,
		string(refs), t.Diagram, t.SubFlow, string(status), boolToInt(t.AIGenerated), now, now,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveFeedback upserts a feedback item.
func (s *Store) SaveFeedback(ctx context.Context, f *domain.Feedback) error {
	hunkRef := ""
	if f.Anchor.HunkRef != nil {
		data, err := json.Marshal(f.Anchor.HunkRef)
		if err != nil {
			return fmt.Errorf("encode feedback hunk ref: %w", err)
		}
		hunkRef = string(data)
	}
	status := f.Status
	if status == "" {
		status = domain.FeedbackTodo
	}
	side := f.Anchor.Side
	if side == "" {
		side = domain.SideNew
	}
	now := s.now()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO feedback (id, review_id, task_id, title, status, impact, confidence,
			anchor_file_path, anchor_line, anchor_side, anchor_hunk_ref, author, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			title = excluded.title,
			status = excluded.status,
			impact = excluded.impact,
			confidence = excluded.confidence,
			anchor_file_path = excluded.anchor_file_path,
			anchor_line = excluded.anchor_line,
			anchor_side = excluded.anchor_side,
			anchor_hunk_ref = excluded.anchor_hunk_ref,
			updated_at = excluded.updated_at`,
		f.ID, f.ReviewID, f.TaskID, f.Title, string(status), string(f.Impact), f.Confidence,
		f.Anchor.FilePath, f.Anchor.Line, string(side), hunkRef, f.Author,
		formatTime(s.stamp(f.CreatedAt)), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save feedback %s: %w", f.ID, err)
	}
	return nil
}

// SaveComment upserts a comment.
func (s *Store) SaveComment(ctx context.Context, c *domain.Comment) error {
	now := s.now()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO comments (id, feedback_id, author, body, parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		c.ID, c.FeedbackID, c.Author, c.Body, c.ParentID,
		formatTime(s.stamp(c.CreatedAt)), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save comment %s: %w", c.ID, err)
	}
	return nil
}

// FindReview returns the review with the given id or ErrNotFound.
func (s *Store) FindReview(ctx context.Context, id string) (*domain.Review, error) {
	var (
		r                domain.Review
		source           string
		created, updated string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, title, summary, source_json, active_run_id, created_at, updated_at
		FROM reviews WHERE id = ?`, id,
	).Scan(&r.ID, &r.Title, &r.Summary, &source, &r.ActiveRunID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find review %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(source), &r.Source); err != nil {
		return nil, fmt.Errorf("decode review %s source: %w", id, err)
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// FindRun returns the run with the given id or ErrNotFound.
func (s *Store) FindRun(ctx context.Context, id string) (*domain.ReviewRun, error) {
	var (
		run     domain.ReviewRun
		status  string
		created string
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT id, review_id, agent_id, input_ref, diff_text, diff_hash, status, created_at
		FROM review_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.ReviewID, &run.AgentID, &run.InputRef, &run.DiffText, &run.DiffHash, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find review run %s: %w", id, err)
	}
	run.Status = domain.RunStatus(status)
	run.CreatedAt = parseTime(created)
	return &run, nil
}

// FindTasksByRun returns the tasks of a run in submission order.
func (s *Store) FindTasksByRun(ctx context.Context, runID string) ([]domain.ReviewTask, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, run_id, title, description, files_json, stats_json, insight,
			diff_refs_json, diagram, sub_flow, status, ai_generated
		FROM tasks WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("find tasks for run %s: %w", runID, err)
	}
	defer rows.Close()

	var tasks []domain.ReviewTask
	for rows.Next() {
		var (
			t                  domain.ReviewTask
			files, stats, refs string
			status             string
			aiGenerated        int
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.Title, &t.Description, &files, &stats, &t.Insight,
			&refs, &t.Diagram, &t.SubFlow, &status, &aiGenerated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
			return nil, fmt.Errorf("decode task %s files: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(stats), &t.Stats); err != nil {
			return nil, fmt.Errorf("decode task %s stats: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(refs), &t.DiffRefs); err != nil {
			return nil, fmt.Errorf("decode task %s diff refs: %w", t.ID, err)
		}
		t.Status = domain.TaskStatus(status)
		t.AIGenerated = aiGenerated != 0
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// FindFeedbackByReview returns the feedback of a review, oldest first.
func (s *Store) FindFeedbackByReview(ctx context.Context, reviewID string) ([]domain.Feedback, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, review_id, task_id, title, status, impact, confidence,
			anchor_file_path, anchor_line, anchor_side, anchor_hunk_ref, author, created_at, updated_at
		FROM feedback WHERE review_id = ? ORDER BY created_at, rowid`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("find feedback for review %s: %w", reviewID, err)
	}
	defer rows.Close()

	var items []domain.Feedback
	for rows.Next() {
		var (
			f                    domain.Feedback
			status, impact, side string
			hunkRef              string
			created, updated     string
		)
		if err := rows.Scan(&f.ID, &f.ReviewID, &f.TaskID, &f.Title, &status, &impact, &f.Confidence,
			&f.Anchor.FilePath, &f.Anchor.Line, &side, &hunkRef, &f.Author, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		f.Status = domain.FeedbackStatus(status)
		f.Impact = domain.Impact(impact)
		f.Anchor.Side = domain.Side(side)
		if hunkRef != "" {
			var ref domain.HunkRef
			if err := json.Unmarshal([]byte(hunkRef), &ref); err != nil {
				return nil, fmt.Errorf("decode feedback %s hunk ref: %w", f.ID, err)
			}
			f.Anchor.HunkRef = &ref
		}
		f.CreatedAt = parseTime(created)
		f.UpdatedAt = parseTime(updated)
		items = append(items, f)
	}
	return items, rows.Err()
}

// FindCommentsByFeedback returns the comments of a feedback item, oldest first.
func (s *Store) FindCommentsByFeedback(ctx context.Context, feedbackID string) ([]domain.Comment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, feedback_id, author, body, parent_id, created_at, updated_at
		FROM comments WHERE feedback_id = ? ORDER BY created_at, rowid`, feedbackID)
	if err != nil {
		return nil, fmt.Errorf("find comments for feedback %s: %w", feedbackID, err)
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		var (
			c                domain.Comment
			created, updated string
		)
		if err := rows.Scan(&c.ID, &c.FeedbackID, &c.Author, &c.Body, &c.ParentID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// EnsureRun makes sure the review and run described by rc exist and that the
// review points at the run. It is the first step of every tool call.
func EnsureRun(ctx context.Context, r Repository, rc *domain.RunContext) error {
	created := time.Time{}
	if rc.CreatedAt != nil {
		created = *rc.CreatedAt
	}
	review := &domain.Review{
		ID:          rc.ReviewID,
		Title:       rc.ReviewTitle(),
		Source:      rc.Source,
		ActiveRunID: rc.RunID,
		CreatedAt:   created,
	}
	if err := r.SaveReview(ctx, review); err != nil {
		return err
	}
	if err := r.SetActiveRun(ctx, rc.ReviewID, rc.RunID); err != nil {
		return err
	}
	return r.SaveRun(ctx, &domain.ReviewRun{
		ID:        rc.RunID,
		ReviewID:  rc.ReviewID,
		AgentID:   rc.AgentID,
		InputRef:  rc.InputRef,
		DiffText:  rc.DiffText,
		DiffHash:  rc.DiffHash,
		Status:    domain.RunRunning,
		CreatedAt: created,
	})
}
