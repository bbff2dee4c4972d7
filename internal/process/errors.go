package process

import (
	"errors"
	"fmt"
)

// ErrShortWrite is reported when a sink accepted fewer bytes than it was given.
var ErrShortWrite = errors.New("short write")

// SpawnError is returned when a program could not be launched.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError is returned when a program exited unsuccessfully.
type ExitError struct {
	Name    string
	Program string
	Code    int
	Stderr  string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed: %s exited with code %d: %s", e.Name, e.Program, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s failed: %s exited with code %d", e.Name, e.Program, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WriteError is returned when captured output could not be stored.
type WriteError struct {
	Target string
	Err    error
}

func (e *WriteError) Error() string {
	target := e.Target
	if target == "" {
		target = "output"
	}
	return fmt.Sprintf("trouble writing to the %s: %v", target, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

