package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SourceKind identifies where a reviewed diff came from.
type SourceKind string

const (
	SourceDiffPaste SourceKind = "diff_paste"
	SourceGitHubPR  SourceKind = "github_pr"
)

// ReviewSource describes the origin of a review's diff. Only the fields
// relevant to Type are populated.
type ReviewSource struct {
	Type     SourceKind `json:"type"`
	DiffHash string     `json:"diff_hash,omitempty"`
	Owner    string     `json:"owner,omitempty"`
	Repo     string     `json:"repo,omitempty"`
	Number   int        `json:"number,omitempty"`
	URL      string     `json:"url,omitempty"`
	HeadSHA  string     `json:"head_sha,omitempty"`
	BaseSHA  string     `json:"base_sha,omitempty"`
}

// Validate checks that the source carries the fields its type requires.
func (s ReviewSource) Validate() error {
	switch s.Type {
	case SourceDiffPaste:
		if s.DiffHash == "" {
			return fmt.Errorf("diff_paste source requires diff_hash")
		}
	case SourceGitHubPR:
		if s.Owner == "" || s.Repo == "" || s.Number <= 0 {
			return fmt.Errorf("github_pr source requires owner, repo and number")
		}
	default:
		return fmt.Errorf("unknown review source type %q", s.Type)
	}
	return nil
}

// RunStatus is the state of a generation run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// DefaultReviewTitle is used when a review is created before the agent names it.
const DefaultReviewTitle = "Untitled Review"

// Review is the top-level record a set of runs belongs to.
type Review struct {
	ID          string
	Title       string
	Summary     string
	Source      ReviewSource
	ActiveRunID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ReviewRun is one generation attempt for a review.
type ReviewRun struct {
	ID        string
	ReviewID  string
	AgentID   string
	InputRef  string
	DiffText  string
	DiffHash  string
	Status    RunStatus
	CreatedAt time.Time
}

// SourceJSON encodes the source for storage.
func (r *Review) SourceJSON() (string, error) {
	data, err := json.Marshal(r.Source)
	if err != nil {
		return "", fmt.Errorf("encode review source: %w", err)
	}
	return string(data), nil
}
