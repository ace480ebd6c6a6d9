// Package repofs gives read-only, root-confined access to a repository
// checkout. It backs the MCP repo tools and the agent's file reads.
package repofs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Limits for search and listing.
const (
	DefaultSearchLimit = 200
	MaxSearchLimit     = 1000
	DefaultListLimit   = 2000
	MaxListLimit       = 5000
)

// sniffLen is how much of a file is inspected for NUL bytes.
const sniffLen = 8000

// ErrOutsideRoot is returned for paths that resolve outside the root.
var ErrOutsideRoot = errors.New("path is outside the repository root")

// Root is a canonicalized repository root.
type Root struct {
	dir string
}

// Open canonicalizes dir and returns a Root for it.
func Open(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("stat repo root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repo root %s is not a directory", canon)
	}
	return &Root{dir: canon}, nil
}

// Dir returns the canonical root directory.
func (r *Root) Dir() string { return r.dir }

// Resolve maps p (relative to the root, or absolute) to a canonical path
// inside the root. Symlinks are followed before the containment check.
func (r *Root) Resolve(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "." {
		return r.dir, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.dir, p)
	}
	canon, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if !r.contains(canon) {
		return "", ErrOutsideRoot
	}
	return canon, nil
}

func (r *Root) contains(p string) bool {
	rel, err := filepath.Rel(r.dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (r *Root) rel(p string) string {
	rel, err := filepath.Rel(r.dir, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// Match is one search hit.
type Match struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchOptions controls Search.
type SearchOptions struct {
	Query         string
	Path          string
	Limit         int
	CaseSensitive bool
	Regex         bool
	Extensions    []string
	IncludeHidden bool
}

// Entry is one listed path.
type Entry struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// ListOptions controls List.
type ListOptions struct {
	Path          string
	Limit         int
	MaxDepth      int
	Extensions    []string
	IncludeDirs   bool
	IncludeHidden bool
}

// Search finds lines matching the query. Binary files are skipped.
// truncated is true when more matches exist beyond the limit.
func (r *Root) Search(opts SearchOptions) (matches []Match, truncated bool, err error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, false, fmt.Errorf("query cannot be empty")
	}
	match, err := matcher(opts)
	if err != nil {
		return nil, false, err
	}
	limit := clampLimit(opts.Limit, DefaultSearchLimit, MaxSearchLimit)
	start, err := r.Resolve(opts.Path)
	if err != nil {
		return nil, false, err
	}

	errStop := errors.New("stop")
	matches = []Match{}
	err = r.walk(start, opts.IncludeHidden, 0, func(path string, d fs.DirEntry, _ int) error {
		if d.IsDir() || !hasExtension(path, opts.Extensions) {
			return nil
		}
		return scanFile(path, func(n int, line string) error {
			if !match(line) {
				return nil
			}
			if len(matches) == limit {
				truncated = true
				return errStop
			}
			matches = append(matches, Match{Path: r.rel(path), Line: n, Text: line})
			return nil
		})
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, false, err
	}
	return matches, truncated, nil
}

// List returns files (and optionally directories) under the requested path.
func (r *Root) List(opts ListOptions) (entries []Entry, truncated bool, err error) {
	limit := clampLimit(opts.Limit, DefaultListLimit, MaxListLimit)
	start, err := r.Resolve(opts.Path)
	if err != nil {
		return nil, false, err
	}

	errStop := errors.New("stop")
	entries = []Entry{}
	err = r.walk(start, opts.IncludeHidden, opts.MaxDepth, func(path string, d fs.DirEntry, depth int) error {
		if path == start && d.IsDir() {
			return nil
		}
		kind := "file"
		if d.IsDir() {
			if !opts.IncludeDirs {
				return nil
			}
			kind = "dir"
		} else if !hasExtension(path, opts.Extensions) {
			return nil
		}
		if len(entries) == limit {
			truncated = true
			return errStop
		}
		entries = append(entries, Entry{Path: r.rel(path), Kind: kind})
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, false, err
	}
	return entries, truncated, nil
}

// ReadLines returns up to limit lines starting at the 1-based line. A zero
// line or limit means from the start or to the end.
func (r *Root) ReadLines(p string, line, limit int) (string, error) {
	path, err := r.Resolve(p)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	if line <= 0 && limit <= 0 {
		data, err := io.ReadAll(f)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", p, err)
		}
		return string(data), nil
	}
	if line <= 0 {
		line = 1
	}
	text, err := readLines(f, line, limit)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", p, err)
	}
	return text, nil
}

// readLines returns up to limit lines of r starting at the 1-based line,
// reading no further than the last line it returns. limit <= 0 reads to EOF.
func readLines(r io.Reader, line, limit int) (string, error) {
	var b strings.Builder
	n, taken := 0, 0
	reader := bufio.NewReader(r)
	for {
		text, err := reader.ReadString('\n')
		if text != "" {
			n++
			if n >= line {
				b.WriteString(text)
				taken++
				if limit > 0 && taken == limit {
					return b.String(), nil
				}
			}
		}
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

// walk visits start and its descendants in lexical order. Symlinks are not
// followed and .git is never entered. maxDepth 0 means unlimited.
func (r *Root) walk(start string, includeHidden bool, maxDepth int, fn func(string, fs.DirEntry, int) error) error {
	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == start {
				return err
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		name := d.Name()
		if path != start {
			if d.IsDir() && name == ".git" {
				return filepath.SkipDir
			}
			if !includeHidden && strings.HasPrefix(name, ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		depth := 0
		if rel, err := filepath.Rel(start, path); err == nil && rel != "." {
			depth = strings.Count(filepath.ToSlash(rel), "/") + 1
		}
		if maxDepth > 0 && depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(path, d, depth)
	})
}

func matcher(opts SearchOptions) (func(string) bool, error) {
	if opts.Regex {
		pattern := opts.Query
		if !opts.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex: %w", err)
		}
		return re.MatchString, nil
	}
	if opts.CaseSensitive {
		return func(s string) bool { return strings.Contains(s, opts.Query) }, nil
	}
	needle := strings.ToLower(opts.Query)
	return func(s string) bool { return strings.Contains(strings.ToLower(s), needle) }, nil
}

func scanFile(path string, fn func(int, string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(f, head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if err := fn(line, scanner.Text()); err != nil {
			return err
		}
	}
	return nil
}

func hasExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	for _, e := range exts {
		if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
			return true
		}
	}
	return false
}

func clampLimit(n, def, max int) int {
	switch {
	case n <= 0:
		return def
	case n > max:
		return max
	default:
		return n
	}
}
