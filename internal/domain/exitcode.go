// Package domain provides core types for the task reviewer.
package domain

// ExitCode represents the exit status of the CLI.
type ExitCode int

const (
	// ExitSuccess indicates the run produced validated tasks.
	ExitSuccess ExitCode = 0
	// ExitIncomplete indicates the agent finished without a usable result.
	ExitIncomplete ExitCode = 1
	// ExitError indicates the run failed due to an error.
	ExitError ExitCode = 2
	// ExitInterrupted indicates the run was interrupted by a signal.
	ExitInterrupted ExitCode = 130
)

// Int returns the exit code as an int for use with os.Exit.
func (e ExitCode) Int() int {
	return int(e)
}
