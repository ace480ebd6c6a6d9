package diffindex

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// LineLocation resolves a hunk line to its file line numbers.
type LineLocation struct {
	HunkID  string
	LineID  string
	Kind    LineKind
	Content string
	OldLine int
	NewLine int
}

// LineOn returns the line number on the given side, if the line exists there.
func (l LineLocation) LineOn(side domain.Side) (int, bool) {
	if side == domain.SideOld {
		return l.OldLine, l.OldLine > 0
	}
	return l.NewLine, l.NewLine > 0
}

// FormatHunkID builds the id of the ordinal-th hunk of path.
func FormatHunkID(path string, ordinal int) string {
	return fmt.Sprintf("%s#H%d", path, ordinal)
}

// ParseHunkID splits "path#H<n>" into the path and the 1-based ordinal.
func ParseHunkID(id string) (string, int, error) {
	i := strings.LastIndex(id, "#")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid hunk id %q: expected path#H<n>", id)
	}
	path, suffix := id[:i], id[i+1:]
	if path == "" {
		return "", 0, fmt.Errorf("invalid hunk id %q: missing file path", id)
	}
	digits, ok := strings.CutPrefix(suffix, "H")
	if !ok {
		return "", 0, fmt.Errorf("invalid hunk id %q: expected path#H<n>", id)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("invalid hunk id %q: hunk number must be a positive integer", id)
	}
	return path, n, nil
}

func parseLineID(id string) (int, bool) {
	digits, ok := strings.CutPrefix(strings.TrimSpace(id), "L")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// FindLineByID resolves a line id ("L<n>") within a hunk.
func (idx *Index) FindLineByID(hunkID, lineID string) (LineLocation, bool) {
	h, ok := idx.hunks[hunkID]
	if !ok {
		return LineLocation{}, false
	}
	n, ok := parseLineID(lineID)
	if !ok || n > len(h.Lines) {
		return LineLocation{}, false
	}
	return locate(h, h.Lines[n-1]), true
}

// FindLineByContent finds the single line in a hunk whose content matches
// text. A leading diff marker in text is ignored for matching but narrows
// the search to lines of that kind when more than one line matches. For
// multi-line input the first changed line is used.
func (idx *Index) FindLineByContent(hunkID, text string) (LineLocation, error) {
	h, ok := idx.hunks[hunkID]
	if !ok {
		return LineLocation{}, &NotFoundError{What: "hunk", Name: hunkID}
	}

	needle, kind, hasKind := normalizeNeedle(text)
	if needle == "" {
		return LineLocation{}, ErrLineNotFound
	}

	var matches []Line
	for _, l := range h.Lines {
		if strings.TrimSpace(l.Content) == needle {
			matches = append(matches, l)
		}
	}
	if len(matches) > 1 && hasKind {
		var narrowed []Line
		for _, l := range matches {
			if l.Kind == kind {
				narrowed = append(narrowed, l)
			}
		}
		matches = narrowed
	}

	switch len(matches) {
	case 0:
		return LineLocation{}, ErrLineNotFound
	case 1:
		return locate(h, matches[0]), nil
	default:
		return LineLocation{}, &AmbiguousLineError{HunkID: hunkID, Count: len(matches)}
	}
}

func normalizeNeedle(text string) (string, LineKind, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	chosen := ""
	if len(lines) > 1 {
		for _, l := range lines {
			if strings.HasPrefix(l, "+") || strings.HasPrefix(l, "-") {
				chosen = l
				break
			}
		}
		if chosen == "" {
			for _, l := range lines {
				if strings.TrimSpace(l) != "" {
					chosen = l
					break
				}
			}
		}
	} else {
		chosen = lines[0]
	}

	switch {
	case strings.HasPrefix(chosen, "+"):
		return strings.TrimSpace(chosen[1:]), LineAdded, true
	case strings.HasPrefix(chosen, "-"):
		return strings.TrimSpace(chosen[1:]), LineDeleted, true
	default:
		return strings.TrimSpace(chosen), LineContext, false
	}
}

func locate(h *Hunk, l Line) LineLocation {
	return LineLocation{
		HunkID:  h.ID,
		LineID:  l.ID,
		Kind:    l.Kind,
		Content: l.Content,
		OldLine: l.OldLine,
		NewLine: l.NewLine,
	}
}

// ValidateFileExists returns a *NotFoundError if path is not in the diff.
func (idx *Index) ValidateFileExists(path string) error {
	if _, ok := idx.byPath[path]; !ok {
		return &NotFoundError{What: "file", Name: path}
	}
	return nil
}

// ValidateHunkExists checks that ref is exactly one of the hunks of path.
// It returns a *NotFoundError for an unknown file and an *InvalidHunkError,
// carrying the hunk with the closest new-file start line, otherwise.
func (idx *Index) ValidateHunkExists(path string, ref domain.HunkRef) error {
	f, ok := idx.byPath[path]
	if !ok {
		return &NotFoundError{What: "file", Name: path}
	}

	var nearest *Hunk
	bestDist := -1
	for i := range f.Hunks {
		h := &f.Hunks[i]
		if h.Ref == ref {
			return nil
		}
		dist := h.Ref.NewStart - ref.NewStart
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			bestDist = dist
			nearest = h
		}
	}

	err := &InvalidHunkError{File: path, Ref: ref}
	if nearest != nil {
		n := nearest.Ref
		err.Nearest = &n
		err.NearestID = nearest.ID
	}
	return err
}

// ErrLineNotFound is returned when no hunk line matches the requested content.
var ErrLineNotFound = errors.New("line not found in hunk")

// NotFoundError reports a file or hunk that is not part of the diff.
type NotFoundError struct {
	What string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in diff", e.What, e.Name)
}

// InvalidHunkError reports hunk coordinates that match no hunk in the file.
type InvalidHunkError struct {
	File      string
	Ref       domain.HunkRef
	Nearest   *domain.HunkRef
	NearestID string
}

func (e *InvalidHunkError) Error() string {
	msg := fmt.Sprintf("hunk %s does not exist in %s", e.Ref, e.File)
	if e.Nearest != nil {
		msg += fmt.Sprintf("; nearest hunk is %s %s", e.NearestID, e.Nearest)
	}
	return msg
}

// AmbiguousLineError reports line content that matches more than one line.
type AmbiguousLineError struct {
	HunkID string
	Count  int
}

func (e *AmbiguousLineError) Error() string {
	return fmt.Sprintf("line content matches %d lines in %s; use a line id instead", e.Count, e.HunkID)
}
