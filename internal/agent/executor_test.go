package agent

import (
	"bufio"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

func TestStartProcess_Pipes(t *testing.T) {
	p, err := StartProcess(ProcessOptions{Command: "cat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := io.WriteString(p.Stdin, "ping\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	line, err := bufio.NewReader(p.Stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if line != "ping\n" {
		t.Errorf("expected echo, got %q", line)
	}

	p.Stdin.Close()
	code, err := p.Wait()
	if err != nil || code != 0 {
		t.Errorf("expected clean exit, got %d / %v", code, err)
	}
}

func TestStartProcess_ExitCodeAndStderr(t *testing.T) {
	p, err := StartProcess(ProcessOptions{
		Command: "sh",
		Args:    []string{"-c", "echo error message >&2; exit 42"},
		Env:     []string{"ATR_TEST=1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stderr, err := io.ReadAll(p.Stderr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	code, _ := p.Wait()
	if code != 42 {
		t.Errorf("expected exit code 42, got: %d", code)
	}
	if string(stderr) != "error message\n" {
		t.Errorf("expected stderr captured, got %q", stderr)
	}
}

func TestStartProcess_KillReachesGroup(t *testing.T) {
	// The child shell starts a grandchild; both hold stdout open.
	p, err := StartProcess(ProcessOptions{Command: "sh", Args: []string{"-c", "sleep 30 & sleep 30"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(p.Stdout)
		close(done)
	}()

	p.Kill()
	if _, err := p.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stdout still open: grandchild survived the group kill")
	}
}

func TestStartProcess_SpawnError(t *testing.T) {
	_, err := StartProcess(ProcessOptions{Command: "/nonexistent/agent-binary"})
	var spawnErr *domain.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %v", err)
	}
}
