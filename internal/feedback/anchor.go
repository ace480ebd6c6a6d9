// Package feedback ingests line-anchored review feedback raised by the agent.
package feedback

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// Input is a decoded add_feedback call. Exactly one anchoring style is
// used, in priority order: HunkID+LineID, HunkID+LineContent, File+Line.
type Input struct {
	HunkID      string
	LineID      string
	LineContent string
	File        string
	Line        int
	Side        string
	Impact      string
	Title       string
	Body        string
	TaskID      string
	Confidence  *float64
}

type rawInput struct {
	HunkID      string          `json:"hunk_id"`
	LineID      string          `json:"line_id"`
	LineContent string          `json:"line_content"`
	File        string          `json:"file"`
	Line        json.RawMessage `json:"line"`
	Side        string          `json:"side"`
	Impact      string          `json:"impact"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	TaskID      string          `json:"task_id"`
	Confidence  *float64        `json:"confidence"`
}

// ParseInput decodes add_feedback arguments. "line" may be a line number or,
// for agents that confuse the two, the line's content.
func ParseInput(raw json.RawMessage) (*Input, error) {
	var r rawInput
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &domain.ValidationError{Reason: "invalid add_feedback arguments", Err: err}
	}

	in := &Input{
		HunkID:      strings.TrimSpace(r.HunkID),
		LineID:      strings.TrimSpace(r.LineID),
		LineContent: r.LineContent,
		File:        strings.TrimSpace(r.File),
		Side:        r.Side,
		Impact:      r.Impact,
		Title:       strings.TrimSpace(r.Title),
		Body:        r.Body,
		TaskID:      strings.TrimSpace(r.TaskID),
		Confidence:  r.Confidence,
	}

	if len(r.Line) > 0 && string(r.Line) != "null" {
		var n int
		var s string
		switch {
		case json.Unmarshal(r.Line, &n) == nil:
			in.Line = n
		case json.Unmarshal(r.Line, &s) == nil:
			if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				in.Line = v
			} else if in.LineContent == "" {
				in.LineContent = s
			}
		default:
			return nil, &domain.ValidationError{Reason: "line must be a number"}
		}
	}

	if strings.TrimSpace(in.Body) == "" {
		return nil, &domain.ValidationError{Reason: "feedback body cannot be empty"}
	}
	return in, nil
}

// Resolve places the input on a line of the diff.
func Resolve(idx *diffindex.Index, in *Input) (domain.FeedbackAnchor, error) {
	side, err := domain.ParseSide(in.Side)
	if err != nil {
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: "invalid side", Err: err}
	}

	switch {
	case in.HunkID != "" && in.LineID != "":
		return resolveByLineID(idx, in, side)
	case in.HunkID != "" && strings.TrimSpace(in.LineContent) != "":
		return resolveByContent(idx, in, side)
	default:
		return resolveByFileLine(idx, in, side)
	}
}

func hunkFile(idx *diffindex.Index, in *Input) (diffindex.Hunk, string, error) {
	path, _, err := diffindex.ParseHunkID(in.HunkID)
	if err != nil {
		return diffindex.Hunk{}, "", &domain.ValidationError{Reason: fmt.Sprintf(
			"invalid hunk_id '%s'. Expected format: 'path/to/file#H1'", in.HunkID)}
	}
	if in.File != "" && in.File != path {
		return diffindex.Hunk{}, "", &domain.ValidationError{Reason: fmt.Sprintf(
			"file path in hunk_id ('%s') does not match specified file ('%s')", path, in.File)}
	}
	h, ok := idx.HunkByID(in.HunkID)
	if !ok {
		return diffindex.Hunk{}, "", &domain.ValidationError{Reason: fmt.Sprintf("hunk %s not found in diff", in.HunkID)}
	}
	return h, path, nil
}

func resolveByLineID(idx *diffindex.Index, in *Input, side domain.Side) (domain.FeedbackAnchor, error) {
	h, path, err := hunkFile(idx, in)
	if err != nil {
		return domain.FeedbackAnchor{}, err
	}
	loc, ok := idx.FindLineByID(in.HunkID, in.LineID)
	if !ok {
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: fmt.Sprintf(
			"Invalid line_id '%s' for hunk %s. Valid line IDs are L1 to L%d.", in.LineID, in.HunkID, len(h.Lines))}
	}
	line, ok := loc.LineOn(side)
	if !ok {
		other := otherSide(side)
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: fmt.Sprintf(
			"Line %s exists only on the %s side. Use side: %q.", in.LineID, other, other)}
	}
	ref := h.Ref
	return domain.FeedbackAnchor{FilePath: path, Line: line, Side: side, HunkRef: &ref}, nil
}

func resolveByContent(idx *diffindex.Index, in *Input, side domain.Side) (domain.FeedbackAnchor, error) {
	h, path, err := hunkFile(idx, in)
	if err != nil {
		return domain.FeedbackAnchor{}, err
	}

	loc, err := idx.FindLineByContent(in.HunkID, in.LineContent)
	if err != nil {
		var amb *diffindex.AmbiguousLineError
		if errors.As(err, &amb) {
			return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: fmt.Sprintf(
				"line content matches %d lines in hunk %s; use line_id instead.\n\nAvailable lines in %s:\n%s",
				amb.Count, in.HunkID, in.HunkID, listLines(h))}
		}
		note := ""
		if n := strings.Count(strings.TrimRight(in.LineContent, "\n"), "\n") + 1; n > 1 {
			note = fmt.Sprintf(" Your line_content contains %d lines; provide only ONE line from the hunk manifest.", n)
		}
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: fmt.Sprintf(
			"could not find line content in hunk %s.%s Copy the line exactly from the hunk manifest or use line_id.\n\nAvailable lines in %s:\n%s",
			in.HunkID, note, in.HunkID, listLines(h))}
	}

	line, ok := loc.LineOn(side)
	if !ok {
		other := otherSide(side)
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: fmt.Sprintf(
			"Line exists only on the %s side of hunk %s. Use side: %q.", other, in.HunkID, other)}
	}
	ref := h.Ref
	return domain.FeedbackAnchor{FilePath: path, Line: line, Side: side, HunkRef: &ref}, nil
}

func resolveByFileLine(idx *diffindex.Index, in *Input, side domain.Side) (domain.FeedbackAnchor, error) {
	if in.File == "" {
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: "missing anchor: provide hunk_id with line_id or line_content, or file with line"}
	}
	if in.Line <= 0 {
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: "missing line: line must be a positive line number"}
	}
	if err := idx.ValidateFileExists(in.File); err != nil {
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: "invalid file", Err: err}
	}
	h, ok := idx.HunkForLine(in.File, in.Line, side)
	if !ok {
		return domain.FeedbackAnchor{}, &domain.ValidationError{Reason: fmt.Sprintf(
			"line %d of %s is not part of the diff on the %s side", in.Line, in.File, side)}
	}
	ref := h.Ref
	return domain.FeedbackAnchor{FilePath: in.File, Line: in.Line, Side: side, HunkRef: &ref}, nil
}

func otherSide(side domain.Side) domain.Side {
	if side == domain.SideOld {
		return domain.SideNew
	}
	return domain.SideOld
}

func listLines(h diffindex.Hunk) string {
	var b strings.Builder
	for _, l := range h.Lines {
		n := l.NewLine
		if l.Kind == diffindex.LineDeleted {
			n = l.OldLine
		}
		fmt.Fprintf(&b, "  %s %s %3d | %s\n", l.ID, l.Kind, n, l.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// CoversLine reports whether task references the given line. A file-level
// ref covers every line of the file.
func CoversLine(task domain.ReviewTask, file string, line int, side domain.Side) bool {
	for _, ref := range task.DiffRefs {
		if ref.File != file {
			continue
		}
		if len(ref.Hunks) == 0 {
			return true
		}
		for _, h := range ref.Hunks {
			start, count := h.NewStart, h.NewLines
			if side == domain.SideOld {
				start, count = h.OldStart, h.OldLines
			}
			if line >= start && line < start+count {
				return true
			}
		}
	}
	return false
}
