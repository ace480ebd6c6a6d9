package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/store"
)

const testDiff = `diff --git a/src/a.rs b/src/a.rs
index 1111111..2222222 100644
--- a/src/a.rs
+++ b/src/a.rs
@@ -1,3 +1,4 @@
 fn main() {
-    println!("old");
+    println!("new");
+    println!("extra");
 }
`

func testIndex(t *testing.T) *diffindex.Index {
	t.Helper()
	idx, err := diffindex.New(testDiff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return idx
}

func mustParse(t *testing.T, raw string) *Input {
	t.Helper()
	in, err := ParseInput(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return in
}

func TestParseInput(t *testing.T) {
	in := mustParse(t, `{"file":"src/a.rs","line":"3","body":"x"}`)
	if in.Line != 3 {
		t.Errorf("expected numeric string to become line 3, got %d", in.Line)
	}

	in = mustParse(t, `{"hunk_id":"src/a.rs#H1","line":"println!(\"new\");","body":"x"}`)
	if in.LineContent != `println!("new");` {
		t.Errorf("expected line text to become content, got %q", in.LineContent)
	}

	if _, err := ParseInput(json.RawMessage(`{"file":"src/a.rs","line":2,"body":"  "}`)); err == nil {
		t.Error("expected error for empty body")
	}
}

func TestResolve(t *testing.T) {
	idx := testIndex(t)

	tests := []struct {
		name     string
		raw      string
		wantLine int
		wantSide domain.Side
	}{
		{"line id on new side", `{"hunk_id":"src/a.rs#H1","line_id":"L3","body":"b"}`, 2, domain.SideNew},
		{"line id on old side", `{"hunk_id":"src/a.rs#H1","line_id":"L2","side":"old","body":"b"}`, 2, domain.SideOld},
		{"line content", `{"hunk_id":"src/a.rs#H1","line_content":"+    println!(\"extra\");","body":"b"}`, 3, domain.SideNew},
		{"file and line", `{"file":"src/a.rs","line":4,"body":"b"}`, 4, domain.SideNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anchor, err := Resolve(idx, mustParse(t, tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if anchor.FilePath != "src/a.rs" || anchor.Line != tt.wantLine || anchor.Side != tt.wantSide {
				t.Errorf("unexpected anchor %+v", anchor)
			}
			if anchor.HunkRef == nil || anchor.HunkRef.NewLines != 4 {
				t.Errorf("expected hunk ref on anchor, got %v", anchor.HunkRef)
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	idx := testIndex(t)

	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{"line id out of range", `{"hunk_id":"src/a.rs#H1","line_id":"L9","body":"b"}`, "Valid line IDs are L1 to L5."},
		{"deleted line on new side", `{"hunk_id":"src/a.rs#H1","line_id":"L2","body":"b"}`, "exists only on the old side"},
		{"content not found", `{"hunk_id":"src/a.rs#H1","line_content":"nope","body":"b"}`, "Available lines in src/a.rs#H1"},
		{"file mismatch", `{"hunk_id":"src/a.rs#H1","line_id":"L1","file":"src/b.rs","body":"b"}`, "does not match"},
		{"line outside diff", `{"file":"src/a.rs","line":40,"body":"b"}`, "not part of the diff"},
		{"no anchor", `{"body":"b"}`, "missing anchor"},
		{"bad side", `{"file":"src/a.rs","line":1,"side":"middle","body":"b"}`, "invalid side"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(idx, mustParse(t, tt.raw))
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected %q in %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestCoversLine(t *testing.T) {
	task := domain.ReviewTask{DiffRefs: []domain.DiffRef{{
		File:  "src/a.rs",
		Hunks: []domain.HunkRef{{OldStart: 1, OldLines: 3, NewStart: 1, NewLines: 4}},
	}}}
	if !CoversLine(task, "src/a.rs", 4, domain.SideNew) {
		t.Error("expected new line 4 covered")
	}
	if CoversLine(task, "src/a.rs", 4, domain.SideOld) {
		t.Error("old line 4 is outside the old range")
	}
	if CoversLine(task, "src/b.rs", 1, domain.SideNew) {
		t.Error("other files are not covered")
	}
	whole := domain.ReviewTask{DiffRefs: []domain.DiffRef{{File: "src/a.rs"}}}
	if !CoversLine(whole, "src/a.rs", 400, domain.SideNew) {
		t.Error("file-level ref covers every line")
	}
}

func newTestIngester(t *testing.T) (*Ingester, *store.Store, *domain.RunContext) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "reviews.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	rc := &domain.RunContext{
		ReviewID: "rev-1",
		RunID:    "run-1",
		AgentID:  "codex",
		InputRef: "paste",
		DiffText: testDiff,
		DiffHash: diffindex.Hash(testDiff),
		Source:   domain.ReviewSource{Type: domain.SourceDiffPaste, DiffHash: "h"},
	}
	return NewIngester(testIndex(t), rc, s, nil), s, rc
}

func TestIngest_AutoMatchesTask(t *testing.T) {
	g, s, rc := newTestIngester(t)
	ctx := context.Background()

	if err := store.EnsureRun(ctx, s, rc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task := &domain.ReviewTask{
		ID:       "T1",
		RunID:    "run-1",
		Title:    "t",
		DiffRefs: []domain.DiffRef{{File: "src/a.rs"}},
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := strings.Repeat("x", 80)
	conf := 7.0
	res, err := g.Ingest(ctx, &Input{HunkID: "src/a.rs#H1", LineID: "L3", Body: body, Impact: "nice-to-have", Confidence: &conf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TaskID != "T1" {
		t.Errorf("expected auto-matched task T1, got %q", res.TaskID)
	}

	items, err := s.FindFeedbackByReview(ctx, "rev-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 feedback item, got %d", len(items))
	}
	fb := items[0]
	if len(fb.Title) != TitleLength {
		t.Errorf("expected title truncated to %d chars, got %d", TitleLength, len(fb.Title))
	}
	if fb.Impact != domain.ImpactNiceToHave || fb.Confidence != 1 || fb.Author != "agent:codex" {
		t.Errorf("unexpected feedback %+v", fb)
	}

	comments, err := s.FindCommentsByFeedback(ctx, res.FeedbackID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comments) != 1 || comments[0].Body != body {
		t.Errorf("unexpected comments %+v", comments)
	}
}

func TestIngest_UnknownTaskID(t *testing.T) {
	g, s, _ := newTestIngester(t)
	ctx := context.Background()

	_, err := g.Ingest(ctx, &Input{File: "src/a.rs", Line: 2, Body: "b", TaskID: "T9"})
	if err == nil || !strings.Contains(err.Error(), "T9") {
		t.Fatalf("expected unknown task error, got %v", err)
	}

	items, _ := s.FindFeedbackByReview(ctx, "rev-1")
	if len(items) != 0 {
		t.Errorf("expected nothing stored, got %d items", len(items))
	}
}

func TestIngest_Unassigned(t *testing.T) {
	g, _, _ := newTestIngester(t)

	res, err := g.Ingest(context.Background(), &Input{File: "src/a.rs", Line: 1, Body: "short"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TaskID != "" {
		t.Errorf("expected unassigned feedback, got task %q", res.TaskID)
	}
}
