package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Style represents a log message style.
type Style string

const (
	StyleInfo    Style = "info"
	StyleSuccess Style = "success"
	StyleWarning Style = "warning"
	StyleError   Style = "error"
	StyleDim     Style = "dim"
	StylePhase   Style = "phase"
)

type styleSpec struct {
	color  string
	symbol string
}

var styles = map[Style]styleSpec{
	StyleInfo:    {Cyan, "I"},
	StyleSuccess: {Green, "✓"},
	StyleWarning: {Yellow, "W"},
	StyleError:   {Red, "!"},
	StyleDim:     {Dim, "·"},
	StylePhase:   {Magenta + Bold, "▸"},
}

// Logger provides styled logging to stderr. It is safe for concurrent use;
// the spinner and the progress consumer share one.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	isTTY bool
}

// NewLogger creates a logger writing to stderr.
func NewLogger() *Logger {
	return &Logger{
		out:   os.Stderr,
		isTTY: IsStderrTTY(),
	}
}

// NewLoggerTo creates a logger writing to w. isTTY enables line clearing.
func NewLoggerTo(w io.Writer, isTTY bool) *Logger {
	return &Logger{out: w, isTTY: isTTY}
}

func tag(c string) string {
	return fmt.Sprintf("%s[%s%satr%s%s]%s",
		Color(Dim), Color(Reset), Color(c), Color(Reset), Color(Dim), Color(Reset))
}

// Log prints a styled log message.
func (l *Logger) Log(msg string, style Style) {
	st, ok := styles[style]
	if !ok {
		st = styles[StyleInfo]
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.out
	if out == nil {
		out = os.Stderr
	}
	// Clear any spinner line first.
	if l.isTTY {
		fmt.Fprint(out, "\r"+strings.Repeat(" ", 100)+"\r")
	}
	fmt.Fprintf(out, "%s %s%s%s %s\n", tag(st.color), Color(st.color), st.symbol, Color(Reset), msg)
}

// Logf prints a formatted styled log message.
func (l *Logger) Logf(style Style, format string, args ...any) {
	l.Log(fmt.Sprintf(format, args...), style)
}
