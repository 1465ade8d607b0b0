package deferred

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDuration = errors.New("deferred: due time must be in the future and before year 10000")
	ErrUnknownAction   = errors.New("deferred: unknown action")
	ErrUnknownKind     = errors.New("deferred: no executor for kind")
	ErrAlreadyActive   = errors.New("deferred: action already has a live timer")
	ErrFiring          = errors.New("deferred: action is firing")
	ErrStopped         = errors.New("deferred: scheduler stopped")
)

// ExecError is logged (never returned to callers) when an executor fails.
type ExecError struct {
	ID   int64
	Kind string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("deferred: action %d (%s): %v", e.ID, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
