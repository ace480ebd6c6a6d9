package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/atomic"
)

const spinnerInterval = 200 * time.Millisecond

var spinnerFrames = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Spinner shows the current phase of a run and a live counter, redrawn in
// place on a TTY. Label and count may be changed from any goroutine.
type Spinner struct {
	isTTY bool
	out   io.Writer
	label *atomic.String
	count *atomic.Int64
	unit  string
}

// NewSpinner creates a spinner on stderr. unit names what the counter counts.
func NewSpinner(label, unit string) *Spinner {
	return &Spinner{
		isTTY: IsStderrTTY(),
		out:   os.Stderr,
		label: atomic.NewString(label),
		count: atomic.NewInt64(0),
		unit:  unit,
	}
}

// SetLabel changes the phase text.
func (s *Spinner) SetLabel(label string) { s.label.Store(label) }

// SetCount sets the counter.
func (s *Spinner) SetCount(n int64) { s.count.Store(n) }

// Label returns the current phase text.
func (s *Spinner) Label() string { return s.label.Load() }

// Count returns the counter.
func (s *Spinner) Count() int64 { return s.count.Load() }

func (s *Spinner) line(frame string, c string) string {
	progress := ""
	if n := s.count.Load(); n > 0 {
		progress = fmt.Sprintf(" %s(%d %s)%s", Color(Dim), n, s.unit, Color(Reset))
	}
	return fmt.Sprintf("\r%s %s%s%s %s%s", tag(c), Color(c), frame, Color(Reset), s.label.Load(), progress)
}

// Run draws the spinner until ctx is cancelled, then prints the final label
// with a check mark. It draws nothing when stderr is not a TTY.
func (s *Spinner) Run(ctx context.Context) {
	if !s.isTTY {
		<-ctx.Done()
		return
	}

	idx := 0
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprint(s.out, s.line("✓", Green)+"          \n")
			return

		case <-ticker.C:
			frame := string(spinnerFrames[idx%len(spinnerFrames)])
			fmt.Fprint(s.out, s.line(frame, Cyan)+"          ")
			idx++
		}
	}
}
