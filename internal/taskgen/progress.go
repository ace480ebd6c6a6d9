package taskgen

import (
	"context"

	acp "github.com/coder/acp-go-sdk"
)

// State is a phase of a generation run.
type State int

const (
	StateSpawning State = iota
	StateHandshaking
	StatePrompting
	StateRunning
	StateFinalizing
	StateTimedOut
	StateCancelled
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateHandshaking:
		return "handshaking"
	case StatePrompting:
		return "prompting"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateTimedOut:
		return "timed out"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ProgressKind tags a ProgressEvent.
type ProgressKind int

const (
	// ProgressState reports a state transition in State.
	ProgressState ProgressKind = iota
	// ProgressUpdate forwards a session/update from the agent in Update.
	ProgressUpdate
	// ProgressLog carries a log line (including agent stderr) in Line.
	ProgressLog
)

// ProgressEvent is sent on GenerateInput.Progress while a run is live.
type ProgressEvent struct {
	Kind   ProgressKind
	State  State
	Update *acp.SessionUpdate
	Line   string
}

// emitter delivers events until its context ends, so producers never block
// on a consumer that has gone away.
type emitter struct {
	ctx context.Context
	ch  chan<- ProgressEvent
}

func (e emitter) emit(ev ProgressEvent) {
	if e.ch == nil {
		return
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	}
}
