package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/rtsync"
)

// Kind is the kind of a language runtime.
type Kind uint8

const (
	// Native runtimes run Go behaviors in the engine process.
	Native Kind = iota
	// Embedded runtimes host a single-threaded interpreter in the engine
	// process.
	Embedded
	// External runtimes live in another process and share state through
	// segments only.
	External
)

func (k Kind) String() string {
	switch k {
	case Native:
		return "native"
	case Embedded:
		return "embedded"
	case External:
		return "external"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Access is the state access a task needs.
type Access uint8

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
)

// Task is one unit of package work for a simulation run.
type Task struct {
	// ID identifies the task in errors and logs. Defaults to a random uuid.
	ID        string
	PackageID uint64
	Access    Access

	// Groups selects the state groups the task may access. Nil means all.
	Groups *roaring.Bitmap

	// Distribute splits the groups over all workers. Groups go to the
	// worker matching their agent batch affinity, the rest round robin.
	Distribute bool

	Payload []byte

	// Combine merges the sub-task results of a distributed task, given in
	// partition order. Defaults to a JSON array of the parts.
	Combine func(parts [][]byte) ([]byte, error)
}

// Job is what one runtime executes: a task restricted to one partition of
// the state. Agents and Messages hold the batches of Groups, in the same
// order, borrowed for the job's lifetime.
type Job struct {
	Run       rtsync.RunID
	TaskID    string
	PackageID uint64
	Write     bool
	Payload   []byte

	Groups   []int
	Agents   []*batch.Batch
	Messages []*batch.Batch

	mu          sync.Mutex
	diagnostics []rtsync.Diagnostic
}

// Report records a diagnostic for the job. Runtimes call it while the job
// runs; it is safe for concurrent use.
func (j *Job) Report(kind rtsync.DiagnosticKind, format string, args ...any) {
	j.report(rtsync.Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (j *Job) report(ds ...rtsync.Diagnostic) {
	j.mu.Lock()
	j.diagnostics = append(j.diagnostics, ds...)
	j.mu.Unlock()
}

// Diagnostics returns what was reported for the job, in report order.
func (j *Job) Diagnostics() []rtsync.Diagnostic {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]rtsync.Diagnostic(nil), j.diagnostics...)
}

// Pools returns the segment refs of the job's batches for an interim sync.
func (j *Job) Pools() rtsync.Pools {
	p := rtsync.Pools{
		Agents:   rtsync.RefsOf(j.Agents),
		Messages: rtsync.RefsOf(j.Messages),
	}
	for _, g := range j.Groups {
		p.GroupIndices = append(p.GroupIndices, uint32(g))
	}
	return p
}

// Runtime is one language runtime attached to a worker.
type Runtime interface {
	Kind() Kind

	// Sync applies a sync message to the runtime's view of shared state.
	Sync(ctx context.Context, m rtsync.Message) (rtsync.Outcome, error)

	// Exec runs a job and returns its encoded result.
	Exec(ctx context.Context, j *Job) ([]byte, error)

	Close() error
}

// Interpreter serializes jobs of a runtime that cannot run two tasks at once.
// The lock is held for the duration of Exec only; sync messages pass through.
type Interpreter struct {
	Runtime
	lock *semaphore.Weighted
}

// NewInterpreter wraps rt. The wrapper reports the Embedded kind.
func NewInterpreter(rt Runtime) *Interpreter {
	return &Interpreter{Runtime: rt, lock: semaphore.NewWeighted(1)}
}

// Kind returns Embedded.
func (i *Interpreter) Kind() Kind { return Embedded }

// Exec acquires the interpreter, runs j and releases it.
func (i *Interpreter) Exec(ctx context.Context, j *Job) ([]byte, error) {
	if err := i.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer i.lock.Release(1)
	return i.Runtime.Exec(ctx, j)
}
