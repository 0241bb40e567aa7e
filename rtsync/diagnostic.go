package rtsync

import "fmt"

// DiagnosticKind classifies what a runtime reports besides its result.
type DiagnosticKind uint8

const (
	// RunnerWarning is a problem of the runtime itself that did not fail
	// the task.
	RunnerWarning DiagnosticKind = iota + 1
	// RunnerLog is runtime output kept for debugging.
	RunnerLog
	// UserWarning is a warning raised by package or user code.
	UserWarning
	// UserError is an error raised by package or user code. The task may
	// still have succeeded.
	UserError
)

func (k DiagnosticKind) String() string {
	switch k {
	case RunnerWarning:
		return "runner_warning"
	case RunnerLog:
		return "runner_log"
	case UserWarning:
		return "user_warning"
	case UserError:
		return "user_error"
	default:
		return fmt.Sprintf("DiagnosticKind(%d)", uint8(k))
	}
}

// Diagnostic is one message a runtime reported while handling a task.
type Diagnostic struct {
	Kind    DiagnosticKind
	Message string
}
