package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/richhaase/agentic-task-reviewer/internal/config"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
	"github.com/richhaase/agentic-task-reviewer/internal/taskgen"
	"github.com/richhaase/agentic-task-reviewer/internal/tasks"
	"github.com/richhaase/agentic-task-reviewer/internal/terminal"
)

const sampleDiff = `diff --git a/src/a.rs b/src/a.rs
--- a/src/a.rs
+++ b/src/a.rs
@@ -1,2 +1,3 @@
 fn main() {
+    println!("hi");
 }
`

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "reviews.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoadDiff_Stdin(t *testing.T) {
	diff, ref, err := loadDiff(context.Background(), ReviewOpts{DiffFile: "-"}, strings.NewReader(sampleDiff))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff != sampleDiff || ref != "stdin" {
		t.Errorf("got ref %q and diff %q", ref, diff)
	}
}

func TestLoadDiff_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "change.diff")
	if err := os.WriteFile(path, []byte(sampleDiff), 0600); err != nil {
		t.Fatal(err)
	}
	diff, ref, err := loadDiff(context.Background(), ReviewOpts{DiffFile: path}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff != sampleDiff || ref != path {
		t.Errorf("got ref %q and diff %q", ref, diff)
	}
}

func TestLoadDiff_MissingFile(t *testing.T) {
	_, _, err := loadDiff(context.Background(), ReviewOpts{DiffFile: filepath.Join(t.TempDir(), "nope.diff")}, nil)
	if err == nil || !strings.Contains(err.Error(), "read diff file") {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestLoadDiff_NoRepository(t *testing.T) {
	_, _, err := loadDiff(context.Background(), ReviewOpts{}, nil)
	if err == nil || !strings.Contains(err.Error(), "not in a git repository") {
		t.Errorf("expected repository error, got %v", err)
	}
}

func TestLoadDiff_GitBase(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-c", "user.email=t@example.com", "-c", "user.name=t"}, args...)...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	git("init", "-q", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0644); err != nil {
		t.Fatal(err)
	}
	git("add", ".")
	git("commit", "-q", "-m", "init")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0644); err != nil {
		t.Fatal(err)
	}

	diff, ref, err := loadDiff(context.Background(), ReviewOpts{
		ResolvedConfig: config.ResolvedConfig{Base: "main"},
		RepoRoot:       dir,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != "git diff main" {
		t.Errorf("ref = %q, want %q", ref, "git diff main")
	}
	if !strings.Contains(diff, "+two") {
		t.Errorf("diff missing added line:\n%s", diff)
	}
}

func TestNewRunContext(t *testing.T) {
	rc := newRunContext(ReviewOpts{Title: "Parser work"}, "claude", sampleDiff, "stdin")
	if err := rc.Validate(); err != nil {
		t.Fatalf("run context should validate: %v", err)
	}
	if rc.ReviewID == "" || rc.RunID == "" || rc.ReviewID == rc.RunID {
		t.Errorf("expected distinct generated ids, got review %q run %q", rc.ReviewID, rc.RunID)
	}
	if rc.Source.Type != domain.SourceDiffPaste || rc.Source.DiffHash != rc.DiffHash {
		t.Errorf("unexpected source %+v", rc.Source)
	}
	if rc.ReviewTitle() != "Parser work" {
		t.Errorf("title = %q", rc.ReviewTitle())
	}

	again := newRunContext(ReviewOpts{ReviewID: rc.ReviewID}, "claude", sampleDiff, "stdin")
	if again.ReviewID != rc.ReviewID || again.RunID == rc.RunID {
		t.Errorf("expected same review with a new run, got %+v", again)
	}
}

func TestPersistResult(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	rc := newRunContext(ReviewOpts{}, "codex", sampleDiff, "stdin")
	if err := store.EnsureRun(ctx, st, rc); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateReviewMetadata(ctx, rc.ReviewID, "Earlier", "Kept summary"); err != nil {
		t.Fatal(err)
	}

	result := &taskgen.GenerateResult{
		Tasks: []domain.ReviewTask{{
			ID:       "t1",
			Title:    "Print greeting",
			Files:    []string{"src/a.rs"},
			DiffRefs: []domain.DiffRef{{File: "src/a.rs"}},
			Status:   domain.TaskPending,
		}},
		Finalize: &tasks.Finalize{Title: "Greeting"},
	}
	if err := persistResult(ctx, st, rc, result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	run, err := st.FindRun(ctx, rc.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
	review, err := st.FindReview(ctx, rc.ReviewID)
	if err != nil {
		t.Fatal(err)
	}
	if review.Title != "Greeting" || review.Summary != "Kept summary" {
		t.Errorf("review metadata = %q / %q", review.Title, review.Summary)
	}
	stored, err := st.FindTasksByRun(ctx, rc.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].RunID != rc.RunID {
		t.Errorf("unexpected stored tasks %+v", stored)
	}
}

func TestTrackProgress(t *testing.T) {
	spinner := terminal.NewSpinner("Starting agent", "updates")
	events := make(chan taskgen.ProgressEvent, 8)
	events <- taskgen.ProgressEvent{Kind: taskgen.ProgressState, State: taskgen.StateRunning}
	events <- taskgen.ProgressEvent{Kind: taskgen.ProgressUpdate}
	events <- taskgen.ProgressEvent{Kind: taskgen.ProgressUpdate}
	events <- taskgen.ProgressEvent{Kind: taskgen.ProgressLog, Line: "ignored"}
	events <- taskgen.ProgressEvent{Kind: taskgen.ProgressState, State: taskgen.StateTerminated}
	close(events)

	trackProgress(events, spinner)

	// Terminated has no label, so the last known phase stays.
	if got := spinner.Label(); got != "Agent reviewing" {
		t.Errorf("label = %q, want %q", got, "Agent reviewing")
	}
	if got := spinner.Count(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}
