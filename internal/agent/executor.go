package agent

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// ProcessOptions configures an agent subprocess.
type ProcessOptions struct {
	// Command is the executable to run.
	Command string
	// Args are the command-line arguments.
	Args []string
	// Env is appended to the current environment, as KEY=VALUE pairs.
	Env []string
	// WorkDir sets the working directory for the command.
	WorkDir string
}

// StartProcess launches an agent in its own process group with pipes for
// stdin, stdout and stderr. The caller owns the returned Process and must
// call Wait (after Kill, if it wants to stop the agent early).
func StartProcess(opts ProcessOptions) (*Process, error) {
	// #nosec G204 - Command comes from the agent registry or an explicit override.
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}

	// Own process group so Kill reaches the MCP server the agent launches.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &domain.SpawnError{Command: opts.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	// Plain os pipes rather than StdoutPipe: Wait must not close the read
	// ends while the protocol reader is still draining them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &domain.SpawnError{Command: opts.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, &domain.SpawnError{Command: opts.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, &domain.SpawnError{Command: opts.Command, Err: err}
	}

	return newProcess(cmd, stdin, stdoutR, stderrR), nil
}

var _ io.Closer = (*Process)(nil)
