// Package diffindex turns unified diff text into an addressable coordinate
// space of files, hunks and lines.
//
// Hunks are addressed as "path#H<n>" (1-based per file) and lines within a
// hunk as "L<n>" (1-based position in the hunk body). The index is built once
// and never mutated, so it is safe for concurrent readers.
package diffindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// LineKind describes how a hunk line changed.
type LineKind int

const (
	LineContext LineKind = iota
	LineAdded
	LineDeleted
)

// String returns the unified diff marker for the kind.
func (k LineKind) String() string {
	switch k {
	case LineAdded:
		return "+"
	case LineDeleted:
		return "-"
	default:
		return " "
	}
}

// Line is one body line of a hunk. OldLine and NewLine are zero when the
// line does not exist on that side.
type Line struct {
	ID      string
	Kind    LineKind
	Content string
	OldLine int
	NewLine int
}

// Hunk is one fragment of a file diff.
type Hunk struct {
	ID      string
	File    string
	Ordinal int
	Ref     domain.HunkRef
	Lines   []Line
}

// Additions returns the number of added lines in the hunk.
func (h Hunk) Additions() int {
	n := 0
	for _, l := range h.Lines {
		if l.Kind == LineAdded {
			n++
		}
	}
	return n
}

// Deletions returns the number of deleted lines in the hunk.
func (h Hunk) Deletions() int {
	n := 0
	for _, l := range h.Lines {
		if l.Kind == LineDeleted {
			n++
		}
	}
	return n
}

// File is one changed file in the diff.
type File struct {
	Path     string
	OldPath  string
	IsNew    bool
	IsDelete bool
	IsRename bool
	IsBinary bool
	Hunks    []Hunk
}

// Index is the parsed, read-only view of a diff.
type Index struct {
	files  []*File
	byPath map[string]*File
	hunks  map[string]*Hunk
}

// New parses diffText and builds the index.
func New(diffText string) (*Index, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(diffText))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	// Git-style headers already drop the a/ and b/ prefixes; plain unified
	// diffs keep them.
	stripPrefixes := !hasGitHeader(diffText)

	idx := &Index{
		byPath: make(map[string]*File),
		hunks:  make(map[string]*Hunk),
	}

	for _, f := range parsed {
		path := f.NewName
		if path == "" || f.IsDelete {
			path = f.OldName
		}
		oldPath := f.OldName
		if stripPrefixes {
			path = stripDiffPrefix(path)
			oldPath = stripDiffPrefix(oldPath)
		}
		if path == "" {
			continue
		}

		file, ok := idx.byPath[path]
		if !ok {
			file = &File{
				Path:     path,
				OldPath:  oldPath,
				IsNew:    f.IsNew,
				IsDelete: f.IsDelete,
				IsRename: f.IsRename,
				IsBinary: f.IsBinary,
			}
			idx.byPath[path] = file
			idx.files = append(idx.files, file)
		}

		for _, frag := range f.TextFragments {
			ordinal := len(file.Hunks) + 1
			file.Hunks = append(file.Hunks, buildHunk(path, ordinal, frag))
		}
	}

	for _, file := range idx.files {
		for i := range file.Hunks {
			idx.hunks[file.Hunks[i].ID] = &file.Hunks[i]
		}
	}

	return idx, nil
}

func buildHunk(path string, ordinal int, frag *gitdiff.TextFragment) Hunk {
	h := Hunk{
		ID:      FormatHunkID(path, ordinal),
		File:    path,
		Ordinal: ordinal,
		Ref: domain.HunkRef{
			OldStart: int(frag.OldPosition),
			OldLines: int(frag.OldLines),
			NewStart: int(frag.NewPosition),
			NewLines: int(frag.NewLines),
		},
	}

	oldLine := int(frag.OldPosition)
	newLine := int(frag.NewPosition)
	for i, l := range frag.Lines {
		line := Line{
			ID:      fmt.Sprintf("L%d", i+1),
			Content: strings.TrimRight(l.Line, "\r\n"),
		}
		switch l.Op {
		case gitdiff.OpAdd:
			line.Kind = LineAdded
			line.NewLine = newLine
			newLine++
		case gitdiff.OpDelete:
			line.Kind = LineDeleted
			line.OldLine = oldLine
			oldLine++
		default:
			line.Kind = LineContext
			line.OldLine = oldLine
			line.NewLine = newLine
			oldLine++
			newLine++
		}
		h.Lines = append(h.Lines, line)
	}
	return h
}

// hasGitHeader reports whether any line of diffText starts a git file
// header. Changed lines that mention one start with a +, - or space.
func hasGitHeader(diffText string) bool {
	const header = "diff --git "
	return strings.HasPrefix(diffText, header) || strings.Contains(diffText, "\n"+header)
}

func stripDiffPrefix(name string) string {
	if name == "" || name == "/dev/null" {
		return ""
	}
	for _, prefix := range []string{"a/", "b/"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			return rest
		}
	}
	return name
}

// Hash returns the hex sha256 of the diff text, used as the run's diff hash.
func Hash(diffText string) string {
	sum := sha256.Sum256([]byte(diffText))
	return hex.EncodeToString(sum[:])
}

// ChangedFiles returns the paths of all changed files in diff order.
func (idx *Index) ChangedFiles() []string {
	paths := make([]string, 0, len(idx.files))
	for _, f := range idx.files {
		paths = append(paths, f.Path)
	}
	return paths
}

// File returns the file with the given path.
func (idx *Index) File(path string) (*File, bool) {
	f, ok := idx.byPath[path]
	return f, ok
}

// Hunks returns the hunks of a file, or nil if the file is not in the diff.
func (idx *Index) Hunks(path string) []Hunk {
	if f, ok := idx.byPath[path]; ok {
		return f.Hunks
	}
	return nil
}

// HunkByID returns the hunk with the given id.
func (idx *Index) HunkByID(id string) (Hunk, bool) {
	h, ok := idx.hunks[id]
	if !ok {
		return Hunk{}, false
	}
	return *h, true
}

// HunkCoords returns the header coordinates of the hunk with the given id.
func (idx *Index) HunkCoords(id string) (domain.HunkRef, bool) {
	h, ok := idx.hunks[id]
	if !ok {
		return domain.HunkRef{}, false
	}
	return h.Ref, true
}

// HunkIDFor returns the id of the hunk in path whose header equals ref.
func (idx *Index) HunkIDFor(path string, ref domain.HunkRef) (string, bool) {
	for _, h := range idx.Hunks(path) {
		if h.Ref == ref {
			return h.ID, true
		}
	}
	return "", false
}

// TaskStats counts added and deleted lines across the referenced hunks.
// A ref with no hunks counts every hunk of its file. Refs that do not
// resolve contribute nothing.
func (idx *Index) TaskStats(refs []domain.DiffRef) (additions, deletions int) {
	seen := make(map[string]bool)
	count := func(h Hunk) {
		if seen[h.ID] {
			return
		}
		seen[h.ID] = true
		additions += h.Additions()
		deletions += h.Deletions()
	}

	for _, ref := range refs {
		hunks := idx.Hunks(ref.File)
		if len(ref.Hunks) == 0 {
			for _, h := range hunks {
				count(h)
			}
			continue
		}
		for _, want := range ref.Hunks {
			for _, h := range hunks {
				if h.Ref == want {
					count(h)
				}
			}
		}
	}
	return additions, deletions
}

// LineExistsInFile reports whether line is visible in the diff of path on
// the given side.
func (idx *Index) LineExistsInFile(path string, line int, side domain.Side) bool {
	_, ok := idx.HunkForLine(path, line, side)
	return ok
}

// HunkForLine returns the hunk of path that contains line on the given side.
func (idx *Index) HunkForLine(path string, line int, side domain.Side) (Hunk, bool) {
	if line <= 0 {
		return Hunk{}, false
	}
	for _, h := range idx.Hunks(path) {
		for _, l := range h.Lines {
			if side == domain.SideOld && l.OldLine == line {
				return h, true
			}
			if side != domain.SideOld && l.NewLine == line {
				return h, true
			}
		}
	}
	return Hunk{}, false
}
