package mcpserver

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// mirror appends accepted submissions to a JSONL file. A mirror with an
// empty path does nothing.
type mirror struct {
	path string
	mu   sync.Mutex
}

func (m *mirror) append(record any) error {
	if m == nil || m.path == "" {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode mirror record: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open tasks-out: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write tasks-out: %w", err)
	}
	return nil
}
