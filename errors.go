package simstate

import (
	"errors"
	"fmt"

	"github.com/hupe1980/simstate/rtsync"
)

var (
	// ErrClosed is returned by a closed Engine.
	ErrClosed = errors.New("engine closed")

	// ErrRunClosed is returned by a closed Run.
	ErrRunClosed = errors.New("run closed")

	// ErrInvalidGroups is returned when a run is started with a negative
	// group size.
	ErrInvalidGroups = errors.New("invalid group sizes")
)

// RunError is an error of an operation on one simulation run.
//
// The original underlying error can be accessed via errors.Unwrap, so
// sentinels of the lower packages still match with errors.Is.
type RunError struct {
	Run rtsync.RunID
	Op  string
	Err error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %d: %s: %v", e.Run, e.Op, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func runError(run rtsync.RunID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &RunError{Run: run, Op: op, Err: err}
}
