package engine

import (
	"errors"
	"fmt"
)

type Named interface {
	Name() string
	Kind() string
}

var (
	// ErrBusy is returned when an operation is requested while another one is in flight.
	ErrBusy = errors.New("archive is busy")
	// ErrEmptyDestination is returned when extracting without a destination directory.
	ErrEmptyDestination = errors.New("extraction destination is empty")
	// ErrDeleteRoot is returned when a delete request names the archive root.
	ErrDeleteRoot = errors.New("cannot delete the archive root")
	// ErrNothingToDo is returned when an add or delete request carries no paths.
	ErrNothingToDo = errors.New("no files given")
	// ErrUnsupportedOperation is returned when the archive lacks the capability for an operation.
	ErrUnsupportedOperation = errors.New("operation not supported by this archive")
	// ErrArchiveChanged is returned when the archive was modified on disk since it was last listed.
	ErrArchiveChanged = errors.New("archive changed on disk since it was last read")
	// ErrOpenFailed is returned when an archive cannot be decoded or parsed.
	ErrOpenFailed = errors.New("failed to open archive")
	// ErrMemberNotFound is returned when a requested member is not in the archive.
	ErrMemberNotFound = errors.New("member not found in archive")
)

// StageError reports which stage of a multi-stage operation failed.
type StageError struct {
	Operation string
	Stage     Stage
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed at stage %q: %v", e.Operation, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
