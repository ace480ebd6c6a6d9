package domain

import (
	"fmt"
	"strings"
	"time"
)

// The error types below are the complete set of failures a generation run
// can report. Each carries its detail directly; callers use errors.As.

// SpawnError means the agent process could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start agent %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError means a handshake or prompt exchange with the agent failed.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("acp %s failed: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError means agent output did not match the diff or the run rules.
// Nearest is set when a hunk reference was close to a real hunk.
type ValidationError struct {
	Reason    string
	Nearest   *HunkRef
	NearestID string
	Err       error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Nearest != nil {
		msg += fmt.Sprintf(" (nearest hunk: %s %s)", e.NearestID, e.Nearest)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TimeoutError means the run hit its time budget and the agent was killed.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %ds", int(e.After.Seconds()))
}

// CancellationError means the caller cancelled the run and the agent was killed.
type CancellationError struct{}

func (e *CancellationError) Error() string {
	return "agent generation cancelled by user"
}

// IncompleteRunError means the agent stopped without submitting at least one
// task and finalizing. It carries everything collected for diagnosis.
type IncompleteRunError struct {
	MissingTasks    bool
	MissingFinalize bool
	Logs            []string
	Messages        []string
	Thoughts        []string
}

func (e *IncompleteRunError) Error() string {
	var reason string
	switch {
	case e.MissingTasks && e.MissingFinalize:
		reason = "agent completed but did not call return_task (no tasks captured) or finalize_review (no finalization)"
	case e.MissingTasks:
		reason = "agent completed but did not call return_task (no tasks captured)"
	default:
		reason = "agent completed but did not call finalize_review (no finalization)"
	}
	return reason
}

// Diagnostics renders the collected logs, messages and thoughts.
func (e *IncompleteRunError) Diagnostics() string {
	var parts []string
	if len(e.Logs) == 0 {
		parts = append(parts, "invocation produced no stderr or phase logs")
	} else {
		parts = append(parts, "invocation logs:\n"+strings.Join(e.Logs, "\n"))
	}
	if len(e.Messages) > 0 {
		parts = append(parts, "agent messages:\n"+strings.Join(e.Messages, "\n"))
	}
	if len(e.Thoughts) > 0 {
		parts = append(parts, "agent thoughts:\n"+strings.Join(e.Thoughts, "\n"))
	}
	return strings.Join(parts, "\n\n")
}
