package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/richhaase/agentic-task-reviewer/internal/diffindex"
	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// Prepare runs a raw submission through normalization, shape checks,
// hunk id conversion, reference and diagram validation, and recomputes the
// task's files and line counts from the diff. Validation failures are
// returned as *domain.ValidationError.
func Prepare(raw json.RawMessage, idx *diffindex.Index, runID string) (*domain.ReviewTask, error) {
	obj, err := Normalize(raw)
	if err != nil {
		return nil, &domain.ValidationError{Reason: "invalid task payload", Err: err}
	}
	if err := ValidateRawHunks(obj, idx); err != nil {
		return nil, err
	}

	task, err := Parse(obj)
	if err != nil {
		return nil, &domain.ValidationError{Reason: "invalid task payload", Err: err}
	}
	task.RunID = runID

	if len(task.DiffRefs) == 0 {
		ids, err := hunkIDs(obj)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			refs, err := HunkIDsToDiffRefs(idx, ids)
			if err != nil {
				return nil, err
			}
			task.DiffRefs = refs
		}
	}

	if err := ValidateReferences(task, idx); err != nil {
		return nil, err
	}
	if err := ValidateDiagram(task); err != nil {
		return nil, err
	}
	Recompute(task, idx)
	return task, nil
}

func hunkIDs(obj map[string]any) ([]string, error) {
	raw, ok := obj["hunk_ids"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &domain.ValidationError{Reason: "hunk_ids must be an array of strings"}
	}
	ids := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("hunk_ids must contain strings, got: %v", v)}
		}
		ids = append(ids, s)
	}
	return ids, nil
}

// ValidateRawHunks checks the shape of hunk_ids and diff_refs before the
// payload is decoded, so malformed hunks fail with a precise message.
func ValidateRawHunks(obj map[string]any, idx *diffindex.Index) error {
	ids, err := hunkIDs(obj)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !strings.Contains(id, "#") {
			return &domain.ValidationError{Reason: fmt.Sprintf("hunk_id '%s' must contain '#' separator. Format: 'path/to/file#H1'", id)}
		}
		if _, ok := idx.HunkCoords(id); !ok {
			return &domain.ValidationError{Reason: fmt.Sprintf("hunk_id '%s' does not exist in the diff manifest. Use hunk ids exactly as listed in the manifest", id)}
		}
	}

	refs, ok := obj["diff_refs"].([]any)
	if !ok {
		return nil
	}
	for _, r := range refs {
		ref, ok := r.(map[string]any)
		if !ok {
			return &domain.ValidationError{Reason: "diff_refs entries must be objects"}
		}
		rawHunks, present := ref["hunks"]
		if !present || rawHunks == nil {
			continue
		}
		hunks, ok := rawHunks.([]any)
		if !ok {
			return &domain.ValidationError{Reason: "diff_refs.hunks must be an array of objects"}
		}
		for _, h := range hunks {
			hunk, ok := h.(map[string]any)
			if !ok {
				return &domain.ValidationError{Reason: "diff_refs.hunks entries must be objects"}
			}
			for _, field := range []string{"old_start", "old_lines", "new_start", "new_lines"} {
				n, ok := hunk[field].(float64)
				if !ok || n != float64(int(n)) {
					return &domain.ValidationError{Reason: "diff_refs.hunks entries must include integer old_start, old_lines, new_start, new_lines"}
				}
			}
		}
	}
	return nil
}

// HunkIDsToDiffRefs groups hunk ids by file into diff refs sorted by path.
func HunkIDsToDiffRefs(idx *diffindex.Index, ids []string) ([]domain.DiffRef, error) {
	byFile := make(map[string][]domain.HunkRef)
	for _, id := range ids {
		coords, ok := idx.HunkCoords(id)
		if !ok {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("invalid hunk_id '%s'", id)}
		}
		path, _, err := diffindex.ParseHunkID(id)
		if err != nil {
			return nil, &domain.ValidationError{Reason: "invalid hunk_id", Err: err}
		}
		if !containsRef(byFile[path], coords) {
			byFile[path] = append(byFile[path], coords)
		}
	}

	refs := make([]domain.DiffRef, 0, len(byFile))
	for file, hunks := range byFile {
		refs = append(refs, domain.DiffRef{File: file, Hunks: hunks})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].File < refs[j].File })
	return refs, nil
}

func containsRef(refs []domain.HunkRef, ref domain.HunkRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

// ValidateReferences checks that every diff ref of the task resolves
// against the diff.
func ValidateReferences(task *domain.ReviewTask, idx *diffindex.Index) error {
	if len(task.DiffRefs) == 0 {
		return &domain.ValidationError{Reason: fmt.Sprintf(
			"task %s is missing diff references; provide diff_refs (file path and hunk coordinates) or hunk_ids ('path/to/file#H1') from the manifest", task.ID)}
	}

	for _, ref := range task.DiffRefs {
		file := ref.File
		switch {
		case strings.TrimSpace(file) == "":
			return &domain.ValidationError{Reason: fmt.Sprintf("task %s has an empty diff_ref file; use file paths from the manifest", task.ID)}
		case file != strings.TrimSpace(file):
			return &domain.ValidationError{Reason: fmt.Sprintf("task %s has whitespace in diff_ref file '%s'; copy file paths exactly from the manifest", task.ID, file)}
		case hasDiffPrefix(file) && !indexed(idx, file):
			return &domain.ValidationError{Reason: fmt.Sprintf("task %s diff_ref file '%s' must not include a/ or b/ prefixes; use file paths from the manifest", task.ID, file)}
		}

		if len(ref.Hunks) == 0 {
			if err := idx.ValidateFileExists(file); err != nil {
				return &domain.ValidationError{Reason: fmt.Sprintf("task %s", task.ID), Err: err}
			}
			continue
		}
		for _, h := range ref.Hunks {
			if err := idx.ValidateHunkExists(file, h); err != nil {
				return hunkValidationError(task.ID, err)
			}
		}
	}
	return nil
}

// hasDiffPrefix reports whether file looks like a raw a/ or b/ diff path.
// Real top-level a/ and b/ directories are told apart by indexed.
func hasDiffPrefix(file string) bool {
	return strings.HasPrefix(file, "a/") || strings.HasPrefix(file, "b/")
}

func indexed(idx *diffindex.Index, file string) bool {
	_, ok := idx.File(file)
	return ok
}

func hunkValidationError(taskID string, err error) error {
	verr := &domain.ValidationError{Reason: fmt.Sprintf("task %s", taskID), Err: err}
	var invalid *diffindex.InvalidHunkError
	if errors.As(err, &invalid) {
		verr.Err = fmt.Errorf("hunk %s does not exist in %s", invalid.Ref, invalid.File)
		verr.Nearest = invalid.Nearest
		verr.NearestID = invalid.NearestID
	}
	return verr
}

// ValidateDiagram requires a non-blank diagram.
func ValidateDiagram(task *domain.ReviewTask) error {
	if strings.TrimSpace(task.Diagram) == "" {
		return &domain.ValidationError{Reason: fmt.Sprintf("task %s missing diagram. Every task must include a diagram", task.ID)}
	}
	return nil
}

// Recompute sets the task's files and line counts from its diff refs,
// discarding whatever the agent claimed.
func Recompute(task *domain.ReviewTask, idx *diffindex.Index) {
	files := make([]string, 0, len(task.DiffRefs))
	seen := make(map[string]bool)
	for _, ref := range task.DiffRefs {
		if !seen[ref.File] {
			seen[ref.File] = true
			files = append(files, ref.File)
		}
	}
	task.Files = files
	task.Stats.Additions, task.Stats.Deletions = idx.TaskStats(task.DiffRefs)
	if task.Stats.Tags == nil {
		task.Stats.Tags = []string{}
	}
}

// CheckCoverage fails when some changed file is not referenced by any task.
func CheckCoverage(tasks []domain.ReviewTask, idx *diffindex.Index) error {
	covered := make(map[string]bool)
	for _, t := range tasks {
		for _, f := range t.Files {
			covered[f] = true
		}
		for _, ref := range t.DiffRefs {
			covered[ref.File] = true
		}
	}

	var missing []string
	for _, f := range idx.ChangedFiles() {
		if !covered[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &domain.ValidationError{Reason: "tasks do not cover all changed files. missing: " + strings.Join(missing, ", ")}
	}
	return nil
}
