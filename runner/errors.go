package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned by a Queue after Close once it is drained.
	ErrChannelClosed = errors.New("channel closed")

	// ErrInboundSendFailed is returned when a message cannot be handed to a
	// worker.
	ErrInboundSendFailed = errors.New("failed to send to worker")

	// ErrOutboundRecvFailed is returned when a worker stops before replying.
	ErrOutboundRecvFailed = errors.New("failed to receive from worker")

	// ErrUnknownSimRun is returned for runs that were never registered or
	// already finished.
	ErrUnknownSimRun = errors.New("unknown simulation run")

	// ErrUnknownPackage is returned by a native runtime for a package without
	// a registered behavior.
	ErrUnknownPackage = errors.New("unknown package")

	// ErrNoRuntimes is returned when a worker pool is built without runtimes.
	ErrNoRuntimes = errors.New("no runtimes")

	// ErrRuntimeUnavailable is returned by an external runtime whose stream
	// failed too often in a row.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrPoolClosed is returned by a closed worker pool.
	ErrPoolClosed = errors.New("worker pool closed")
)

// TaskError is a failure of a task inside a runtime. The worker that ran it
// keeps serving.
type TaskError struct {
	Runtime Kind
	Worker  int
	Task    string
	Err     error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed in %s runtime of worker %d: %v", e.Task, e.Runtime, e.Worker, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
