package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrUndefinedAction is returned when an existing group has no action or
	// an action of an unknown type. It is a programming error in the caller
	// building the plan.
	ErrUndefinedAction = errors.New("undefined migration action")

	// ErrPlanMismatch is returned when the plan does not have exactly one
	// action per existing group.
	ErrPlanMismatch = errors.New("plan does not match state")

	// ErrAgentCountMismatch is returned when the state after migration does
	// not hold the number of agents the plan predicted.
	ErrAgentCountMismatch = errors.New("agent count after migration does not match plan")

	// ErrInvalidRows is returned for negative row counts.
	ErrInvalidRows = errors.New("invalid row count")
)

// AbortError reports that a plan was aborted before the state was changed.
// Callers may retry the whole step.
type AbortError struct {
	Phase string
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("migration aborted during %s: %v", e.Phase, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }
