package main

import (
	"errors"
	"fmt"

	"github.com/richhaase/agentic-task-reviewer/internal/domain"
)

// exitCodeError is a wrapper type for returning exit codes via error interface.
type exitCodeError struct {
	code domain.ExitCode
}

func (e exitCodeError) Error() string {
	switch e.code {
	case domain.ExitIncomplete:
		return "task generation did not produce a usable result"
	case domain.ExitError:
		return "task generation failed with error"
	case domain.ExitInterrupted:
		return "task generation was interrupted"
	default:
		return fmt.Sprintf("exit code %d", e.code)
	}
}

func exitCode(code domain.ExitCode) error {
	if code == domain.ExitSuccess {
		return nil
	}
	return exitCodeError{code: code}
}

// exitCodeFor maps a generation error to the process exit code.
func exitCodeFor(err error) domain.ExitCode {
	var (
		cancelled  *domain.CancellationError
		incomplete *domain.IncompleteRunError
		invalid    *domain.ValidationError
	)
	switch {
	case err == nil:
		return domain.ExitSuccess
	case errors.As(err, &cancelled):
		return domain.ExitInterrupted
	case errors.As(err, &incomplete), errors.As(err, &invalid):
		return domain.ExitIncomplete
	default:
		return domain.ExitError
	}
}
