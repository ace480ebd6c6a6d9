package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// Finalize is the review metadata an agent submits when it is done.
type Finalize struct {
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

// ParseFinalize decodes a finalize_review submission. Like task payloads it
// may be a JSON string or wrapped in params/arguments.
func ParseFinalize(raw json.RawMessage) (*Finalize, error) {
	var current any
	if err := json.Unmarshal(raw, &current); err != nil {
		return nil, &domain.ValidationError{Reason: "invalid finalize payload", Err: err}
	}
	for i := 0; i < maxUnquote; i++ {
		s, ok := current.(string)
		if !ok {
			break
		}
		var decoded any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &decoded); err != nil {
			break
		}
		current = decoded
	}

	obj, ok := current.(map[string]any)
	if !ok {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("finalize payload must be an object, got %T", current)}
	}
	if _, ok := obj["title"]; !ok {
		for _, key := range []string{"params", "arguments"} {
			if inner, ok := obj[key].(map[string]any); ok {
				if _, ok := inner["title"]; ok {
					obj = inner
					break
				}
			}
		}
	}

	title, _ := obj["title"].(string)
	title = cleanString(title)
	if title == "" {
		return nil, &domain.ValidationError{Reason: "finalize_review requires a non-empty title"}
	}
	summary, _ := obj["summary"].(string)
	return &Finalize{Title: title, Summary: cleanString(summary)}, nil
}

// LooksLikeTask reports whether a decoded object has the shape of a task
// submission.
func LooksLikeTask(obj map[string]any) bool {
	if !looksLikeTask(obj) {
		return false
	}
	_, refs := obj["diff_refs"]
	_, ids := obj["hunk_ids"]
	_, diagram := obj["diagram"]
	return refs || ids || diagram
}

// LooksLikeFinalize reports whether a decoded object has the shape of a
// finalize_review submission.
func LooksLikeFinalize(obj map[string]any) bool {
	if _, ok := obj["title"].(string); !ok {
		return false
	}
	if _, ok := obj["id"]; ok {
		return false
	}
	_, summary := obj["summary"]
	return summary || len(obj) == 1
}
