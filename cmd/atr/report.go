package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
	"github.com/richhaase/agentic-task-reviewer/internal/taskgen"
	"github.com/richhaase/agentic-task-reviewer/internal/terminal"
)

// printTaskSummary lists the captured tasks, one line each.
func printTaskSummary(w io.Writer, result *taskgen.GenerateResult) {
	fmt.Fprintln(w)
	if result.Finalize != nil {
		fmt.Fprintf(w, "%s%s%s\n", terminal.Color(terminal.Bold), result.Finalize.Title, terminal.Color(terminal.Reset))
		fmt.Fprintln(w, terminal.Ruler(min(terminal.ReportWidth(), len([]rune(result.Finalize.Title))), "─"))
		if result.Finalize.Summary != "" {
			fmt.Fprintln(w, terminal.WrapText(result.Finalize.Summary, terminal.ReportWidth(), ""))
		}
		fmt.Fprintln(w)
	}
	for i, t := range result.Tasks {
		fmt.Fprintln(w, taskLine(i+1, t))
	}
}

func taskLine(n int, t domain.ReviewTask) string {
	risk := terminal.Colorize(terminal.RiskColor(t.Stats.Risk), fmt.Sprintf("%-6s", t.Stats.Risk))
	stats := terminal.Colorize(terminal.Dim, fmt.Sprintf("+%d -%d, %s",
		t.Stats.Additions, t.Stats.Deletions, terminal.Pluralize(len(t.Files), "file", "files")))
	return fmt.Sprintf("%3d. %s %s (%s)", n, risk, t.Title, stats)
}

func printTranscript(w io.Writer, result *taskgen.GenerateResult) {
	section := func(title string, lines []string) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s%s%s\n", terminal.Color(terminal.Bold), title, terminal.Color(terminal.Reset))
		fmt.Fprintln(w, terminal.Indent(strings.Join(lines, "\n"), "  "))
	}
	section("Agent messages", result.Messages)
	section("Agent thoughts", result.Thoughts)
}

// runMarkdown renders a stored run as a Markdown document.
func runMarkdown(review *domain.Review, run *domain.ReviewRun, tasks []domain.ReviewTask, feedback []domain.Feedback) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", review.Title)
	if review.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", review.Summary)
	}
	fmt.Fprintf(&b, "Run `%s` by **%s**, %s (%s).\n\n", run.ID, run.AgentID, run.Status,
		terminal.Pluralize(len(tasks), "task", "tasks"))

	byTask := make(map[string][]domain.Feedback)
	for _, f := range feedback {
		byTask[f.TaskID] = append(byTask[f.TaskID], f)
	}

	for i, t := range tasks {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, t.Title)
		fmt.Fprintf(&b, "*Risk: %s, +%d -%d*", t.Stats.Risk, t.Stats.Additions, t.Stats.Deletions)
		if len(t.Stats.Tags) > 0 {
			fmt.Fprintf(&b, " *tags: %s*", strings.Join(t.Stats.Tags, ", "))
		}
		b.WriteString("\n\n")
		if t.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", t.Description)
		}
		if t.Insight != "" {
			fmt.Fprintf(&b, "> %s\n\n", t.Insight)
		}
		for _, ref := range t.DiffRefs {
			if len(ref.Hunks) == 0 {
				fmt.Fprintf(&b, "- `%s`\n", ref.File)
				continue
			}
			for _, h := range ref.Hunks {
				fmt.Fprintf(&b, "- `%s` `%s`\n", ref.File, h)
			}
		}
		if len(t.DiffRefs) > 0 {
			b.WriteString("\n")
		}
		if t.Diagram != "" {
			fmt.Fprintf(&b, "```mermaid\n%s\n```\n\n", strings.TrimSpace(t.Diagram))
		}
		writeFeedback(&b, byTask[t.ID])
		delete(byTask, t.ID)
	}

	var loose []domain.Feedback
	for _, f := range feedback {
		if _, ok := byTask[f.TaskID]; ok {
			loose = append(loose, f)
		}
	}
	if len(loose) > 0 {
		b.WriteString("## Other feedback\n\n")
		writeFeedback(&b, loose)
	}
	return b.String()
}

func writeFeedback(b *strings.Builder, items []domain.Feedback) {
	for _, f := range items {
		fmt.Fprintf(b, "- **%s** `%s:%d` (%s, %s) %s\n", f.Impact, f.Anchor.FilePath, f.Anchor.Line,
			f.Anchor.Side, f.Status, f.Title)
	}
	if len(items) > 0 {
		b.WriteString("\n")
	}
}

// renderMarkdown styles md for the terminal, falling back to the raw text.
func renderMarkdown(md string, width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}
