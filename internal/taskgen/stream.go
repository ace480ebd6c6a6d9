package taskgen

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// endOfStream passes the agent's output through and, once it ends, appends
// an endOfStreamMethod notification. Notifications are handled in order, so
// the client sees the marker only after everything the agent wrote before it.
type endOfStream struct {
	r    io.Reader
	tail io.Reader
}

func newEndOfStream(r io.Reader) *endOfStream {
	return &endOfStream{r: r}
}

func (e *endOfStream) Read(p []byte) (int, error) {
	if e.tail == nil {
		n, err := e.r.Read(p)
		if err == nil {
			return n, nil
		}
		// A leading newline terminates a last line the agent left open.
		e.tail = strings.NewReader("\n{\"jsonrpc\":\"2.0\",\"method\":\"" + endOfStreamMethod + "\"}\n")
		if n > 0 {
			return n, nil
		}
	}
	return e.tail.Read(p)
}

// lineTap hands each complete line written to it to fn.
type lineTap struct {
	prefix string
	fn     func(format string, args ...any)

	mu  sync.Mutex
	buf []byte
}

func (t *lineTap) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	for {
		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(t.buf[:i]); len(line) > 0 {
			t.fn("%s %s", t.prefix, truncate(string(line), 2000))
		}
		t.buf = t.buf[i+1:]
	}
	return len(p), nil
}
