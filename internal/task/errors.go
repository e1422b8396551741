package task

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("task: validation failed")
	ErrNotFound          = errors.New("task: not found")
	ErrAlreadyRunning    = errors.New("task: already running")
	ErrNotRunning        = errors.New("task: not running")
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrValidation)
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RowProcessingError is a per-row failure. It never aborts a run.
type RowProcessingError struct {
	RowIndex int
	Err      error
}

func (e *RowProcessingError) Error() string {
	return fmt.Sprintf("row %d: %v", e.RowIndex+1, e.Err)
}

func (e *RowProcessingError) Unwrap() error {
	return e.Err
}

// EngineFatalError aborts a run before any row is processed.
type EngineFatalError struct {
	Stage string
	Err   error
}

func (e *EngineFatalError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Stage, e.Err)
}

func (e *EngineFatalError) Unwrap() error {
	return e.Err
}
