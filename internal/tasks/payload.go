// Package tasks turns agent task submissions into validated review tasks.
//
// Agents are inconsistent about how they encode a submission: the task may
// arrive as an object, as a JSON string (sometimes encoded twice), embedded
// in prose, or wrapped in a params/arguments/task envelope. Normalize
// accepts all of these and Prepare runs the full validation pipeline that
// both the MCP tool server and the protocol client share.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// maxUnquote bounds how many layers of string encoding are peeled off.
const maxUnquote = 5

// ErrMissingTaskFields is returned when no object with id and title can be found.
var ErrMissingTaskFields = errors.New("missing required fields `id` and `title` for task")

type taskPayload struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Stats       *rawStats        `json:"stats"`
	DiffRefs    []domain.DiffRef `json:"diff_refs"`
	HunkIDs     []string         `json:"hunk_ids"`
	Diagram     string           `json:"diagram"`
	SubFlow     string           `json:"sub_flow"`
	Insight     string           `json:"insight"`
}

type rawStats struct {
	Risk string   `json:"risk"`
	Tags []string `json:"tags"`
}

// Normalize finds the task object inside a raw submission.
func Normalize(raw json.RawMessage) (map[string]any, error) {
	var current any
	if err := json.Unmarshal(raw, &current); err != nil {
		// Not JSON at all; treat it as text that may embed a task.
		current = string(raw)
	}

	for i := 0; i < maxUnquote; i++ {
		s, ok := current.(string)
		if !ok {
			break
		}
		var decoded any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &decoded); err == nil {
			current = decoded
			continue
		}
		if obj := extractTaskObject(s); obj != nil {
			current = obj
		}
		break
	}

	obj, ok := current.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is %T", ErrMissingTaskFields, current)
	}
	if looksLikeTask(obj) {
		return obj, nil
	}
	for _, key := range []string{"task", "params", "arguments"} {
		inner, ok := obj[key].(map[string]any)
		if ok && looksLikeTask(inner) {
			return inner, nil
		}
	}
	return nil, fmt.Errorf("%w (keys: %s)", ErrMissingTaskFields, strings.Join(sortedKeys(obj), ", "))
}

func looksLikeTask(obj map[string]any) bool {
	_, hasID := obj["id"]
	_, hasTitle := obj["title"]
	return hasID && hasTitle
}

// extractTaskObject scans text for the first balanced {...} block that
// decodes to an object with id and title.
func extractTaskObject(text string) map[string]any {
	if !strings.Contains(text, `"id"`) {
		return nil
	}
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				var obj map[string]any
				if err := json.Unmarshal([]byte(text[start:i+1]), &obj); err == nil && looksLikeTask(obj) {
					return obj
				}
				start = -1
			}
		}
	}
	return nil
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parse decodes a normalized task object. Files and line counts are left
// empty; Recompute fills them from the diff.
func Parse(obj map[string]any) (*domain.ReviewTask, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	var p taskPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("task id must not be empty")
	}

	stats := domain.TaskStats{Tags: []string{}}
	if p.Stats != nil {
		risk, err := domain.ParseRiskLevel(p.Stats.Risk)
		if err != nil {
			return nil, fmt.Errorf("task %s stats: %w", strings.TrimSpace(p.ID), err)
		}
		stats.Risk = risk
		if p.Stats.Tags != nil {
			stats.Tags = p.Stats.Tags
		}
	}

	return &domain.ReviewTask{
		ID:          strings.TrimSpace(p.ID),
		Title:       cleanString(p.Title),
		Description: cleanString(p.Description),
		Stats:       stats,
		DiffRefs:    p.DiffRefs,
		Insight:     cleanString(p.Insight),
		Diagram:     cleanString(p.Diagram),
		SubFlow:     cleanString(p.SubFlow),
		Status:      domain.TaskPending,
		AIGenerated: true,
	}, nil
}

// cleanString trims s and removes extra layers of JSON string quoting.
func cleanString(s string) string {
	current := strings.TrimSpace(s)
	for i := 0; i < maxUnquote; i++ {
		if len(current) < 2 || current[0] != '"' || current[len(current)-1] != '"' {
			break
		}
		var decoded string
		if err := json.Unmarshal([]byte(current), &decoded); err != nil {
			break
		}
		current = strings.TrimSpace(decoded)
	}
	return current
}
