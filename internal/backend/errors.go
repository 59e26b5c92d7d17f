package backend

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by the Unsupported backend for every operation
// that needs a real cluster behind it.
var ErrUnsupported = errors.New("backend type not supported")

// Error is a failure of the cluster accounting subsystem: a non-zero
// subprocess exit or output the parser could not understand. It keeps the
// command line and the raw output for the log record.
type Error struct {
	Command string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Output)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return e.Command
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a backend Error for the given command invocation.
func NewError(command, output string, err error) *Error {
	return &Error{Command: command, Output: output, Err: err}
}

// IsBackendError reports whether err originates from the accounting
// subsystem rather than from the control plane.
func IsBackendError(err error) bool {
	var backendErr *Error
	return errors.As(err, &backendErr) || errors.Is(err, ErrUnsupported)
}
