package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RunContext identifies one generation attempt. It is written to a file by
// the orchestrator and read once by the MCP tool server process.
type RunContext struct {
	ReviewID     string       `json:"review_id"`
	RunID        string       `json:"run_id"`
	AgentID      string       `json:"agent_id"`
	InputRef     string       `json:"input_ref"`
	DiffText     string       `json:"diff_text"`
	DiffHash     string       `json:"diff_hash"`
	Source       ReviewSource `json:"source"`
	InitialTitle string       `json:"initial_title,omitempty"`
	CreatedAt    *time.Time   `json:"created_at,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (rc *RunContext) Validate() error {
	if rc.ReviewID == "" {
		return fmt.Errorf("run context missing review_id")
	}
	if rc.RunID == "" {
		return fmt.Errorf("run context missing run_id")
	}
	if rc.DiffText == "" {
		return fmt.Errorf("run context missing diff_text")
	}
	return rc.Source.Validate()
}

// ReviewTitle returns the title to use when the review record is first created.
func (rc *RunContext) ReviewTitle() string {
	if rc.InitialTitle != "" {
		return rc.InitialTitle
	}
	return DefaultReviewTitle
}

// WriteRunContextFile writes rc as JSON to path with owner-only permissions.
func WriteRunContextFile(path string, rc *RunContext) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("encode run context: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write run context: %w", err)
	}
	return nil
}

// ReadRunContextFile loads and validates a run context written by WriteRunContextFile.
func ReadRunContextFile(path string) (*RunContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run context: %w", err)
	}
	var rc RunContext
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("decode run context %s: %w", path, err)
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}
