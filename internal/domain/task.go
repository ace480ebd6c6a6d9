package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel is the reviewer-facing risk of a task.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

// String returns the wire form of the risk level (LOW, MEDIUM, HIGH).
func (r RiskLevel) String() string {
	switch r {
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	default:
		return "LOW"
	}
}

// ParseRiskLevel parses a risk level case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LOW":
		return RiskLow, nil
	case "MEDIUM", "MED":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	default:
		return RiskLow, fmt.Errorf("invalid risk level %q, expected LOW, MEDIUM or HIGH", s)
	}
}

// MarshalJSON encodes the risk level as its string form.
func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a risk level from its string form.
func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("risk must be a string: %w", err)
	}
	level, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = level
	return nil
}

// TaskStatus is the lifecycle state of a review task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// HunkRef identifies a hunk by its header coordinates.
type HunkRef struct {
	OldStart int `json:"old_start"`
	OldLines int `json:"old_lines"`
	NewStart int `json:"new_start"`
	NewLines int `json:"new_lines"`
}

// String renders the ref as a unified diff hunk header.
func (h HunkRef) String() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// DiffRef points a task at a file and, optionally, specific hunks in it.
// An empty Hunks list references the whole file.
type DiffRef struct {
	File  string    `json:"file"`
	Hunks []HunkRef `json:"hunks"`
}

// TaskStats holds the line counts and classification of a task.
// Additions and Deletions are always computed from the diff.
type TaskStats struct {
	Additions int       `json:"additions"`
	Deletions int       `json:"deletions"`
	Risk      RiskLevel `json:"risk"`
	Tags      []string  `json:"tags"`
}

// ReviewTask is one unit of review work produced by the agent.
type ReviewTask struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Files       []string   `json:"files"`
	Stats       TaskStats  `json:"stats"`
	Insight     string     `json:"insight,omitempty"`
	DiffRefs    []DiffRef  `json:"diff_refs"`
	Diagram     string     `json:"diagram,omitempty"`
	SubFlow     string     `json:"sub_flow,omitempty"`
	Status      TaskStatus `json:"status"`
	AIGenerated bool       `json:"ai_generated"`
}
