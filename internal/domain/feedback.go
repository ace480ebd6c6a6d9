package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side selects which version of a file a line number refers to.
type Side string

const (
	SideOld Side = "old"
	SideNew Side = "new"
)

// ParseSide parses a side name. An empty string defaults to SideNew.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "new", "right":
		return SideNew, nil
	case "old", "left":
		return SideOld, nil
	default:
		return "", fmt.Errorf("invalid side %q, expected \"old\" or \"new\"", s)
	}
}

// Impact is how much a piece of feedback matters.
type Impact string

const (
	ImpactNitpick    Impact = "nitpick"
	ImpactBlocking   Impact = "blocking"
	ImpactNiceToHave Impact = "nice_to_have"
)

// ParseImpact parses an impact level. An empty string defaults to ImpactNitpick.
func ParseImpact(s string) (Impact, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nitpick":
		return ImpactNitpick, nil
	case "blocking":
		return ImpactBlocking, nil
	case "nice_to_have", "nice-to-have", "nicetohave":
		return ImpactNiceToHave, nil
	default:
		return "", fmt.Errorf("invalid impact %q, expected nitpick, blocking or nice_to_have", s)
	}
}

// FeedbackStatus tracks what a reviewer did with a feedback item.
type FeedbackStatus string

const (
	FeedbackTodo    FeedbackStatus = "todo"
	FeedbackDone    FeedbackStatus = "done"
	FeedbackIgnored FeedbackStatus = "ignored"
)

// FeedbackAnchor places feedback on a line of the diff.
type FeedbackAnchor struct {
	FilePath string
	Line     int
	Side     Side
	HunkRef  *HunkRef
}

// Feedback is a line-anchored review note raised by the agent.
type Feedback struct {
	ID         string
	ReviewID   string
	TaskID     string
	Title      string
	Status     FeedbackStatus
	Impact     Impact
	Confidence float64
	Anchor     FeedbackAnchor
	Author     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Comment is a message threaded under a feedback item.
type Comment struct {
	ID         string
	FeedbackID string
	Author     string
	Body       string
	ParentID   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
