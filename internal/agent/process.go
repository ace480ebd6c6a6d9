package agent

import (
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a running agent. Stdin and Stdout carry the protocol; Stderr
// is for diagnostics.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd      *exec.Cmd
	pid      int
	waitOnce sync.Once
	exited   chan struct{}
	exitCode int
	waitErr  error
}

func newProcess(cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser) *Process {
	p := &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}
	return p
}

// Pid returns the process id, which is also the process group id.
func (p *Process) Pid() int { return p.pid }

// Kill sends SIGKILL to the whole process group. Errors are ignored since
// the group may already be gone.
func (p *Process) Kill() {
	_ = syscall.Kill(-p.pid, syscall.SIGKILL)
}

// Wait waits for the process to exit and returns its exit code. It is safe
// to call from several goroutines; only the first call waits.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.exitCode = exitErr.ExitCode()
			} else {
				p.exitCode = -1
				p.waitErr = err
			}
		}
		close(p.exited)
	})
	<-p.exited
	return p.exitCode, p.waitErr
}

// Exited is closed once Wait has collected the exit status.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Close kills the group and waits for the process.
func (p *Process) Close() error {
	_ = p.Stdin.Close()
	p.Kill()
	_, err := p.Wait()
	return err
}
