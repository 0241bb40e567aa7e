package rtsync

import (
	"fmt"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/segment"
)

// RunID is the short numeric id of a simulation run, unique within one
// experiment.
type RunID uint32

// Kind tags the variant of a Message on the wire.
type Kind uint8

const (
	KindExperimentInit Kind = iota + 1
	KindNewSimulationRun
	KindContextBatchSync
	KindStateSync
	KindStateInterimSync
	KindStateSnapshotSync
	KindTask
	KindTaskDone
	KindTerminate
)

func (k Kind) String() string {
	switch k {
	case KindExperimentInit:
		return "experiment_init"
	case KindNewSimulationRun:
		return "new_simulation_run"
	case KindContextBatchSync:
		return "context_batch_sync"
	case KindStateSync:
		return "state_sync"
	case KindStateInterimSync:
		return "state_interim_sync"
	case KindStateSnapshotSync:
		return "state_snapshot_sync"
	case KindTask:
		return "task"
	case KindTaskDone:
		return "task_done"
	case KindTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is one engine-to-runtime sync message. The set of variants is
// closed; dispatch on it with a type switch.
//
// Messages refer to shared memory by segment id and metaversion only. Column
// data never travels in a message.
type Message interface {
	Kind() Kind
	sealed()
}

// SegmentRef names a segment together with the metaversion the sender
// committed.
type SegmentRef struct {
	ID    string              `json:"id"`
	Token segment.Metaversion `json:"token"`
}

// Package is the serialized configuration of one simulation package.
type Package struct {
	Name    string `json:"name"`
	ID      uint64 `json:"id"`
	Payload []byte `json:"payload"`
}

// ExperimentInit is sent once per runtime per experiment.
type ExperimentInit struct {
	ExperimentID  string
	AgentSchema   []batch.Field
	MessageSchema []batch.Field
	ContextSchema []batch.Field
	Packages      []Package
	Datasets      []SegmentRef
}

// NewSimulationRun starts the session of one run.
type NewSimulationRun struct {
	Run      RunID
	Globals  []byte // JSON
	Packages []Package
}

// ContextBatchSync announces the context batch of the current step.
type ContextBatchSync struct {
	Run         RunID
	Context     SegmentRef
	GroupStarts []uint32
	CurrentStep uint64
}

// Pools lists the agent and message segments of a state. Index i of Agents
// and Messages belong to the same group. GroupIndices, if set, are the pool
// indices the refs stand for; otherwise the refs cover the whole pool.
type Pools struct {
	Agents       []SegmentRef
	Messages     []SegmentRef
	GroupIndices []uint32
}

// StateSync replaces the runtime's view of the whole state.
type StateSync struct {
	Run RunID
	Pools
}

// StateInterimSync refreshes some groups of the state in the middle of a
// step.
type StateInterimSync struct {
	Run RunID
	Pools
}

// StateSnapshotSync announces the read-only snapshot of the state taken at
// the start of the step.
type StateSnapshotSync struct {
	Run RunID
	Pools
}

// Task hands one unit of package work to the runtime. Pools lists the state
// the task may access; the runtime reconciles it like a StateInterimSync
// before running the task.
type Task struct {
	Run       RunID
	TaskID    string
	PackageID uint64
	Write     bool
	Pools
	Payload []byte // JSON
}

// TaskDone tells the runtime the engine sends no more tasks for the run.
type TaskDone struct {
	Run RunID
}

// Terminate ends the run's session immediately.
type Terminate struct {
	Run RunID
}

func (ExperimentInit) Kind() Kind { return KindExperimentInit }
func (NewSimulationRun) Kind() Kind { return KindNewSimulationRun }
func (ContextBatchSync) Kind() Kind { return KindContextBatchSync }
func (StateSync) Kind() Kind { return KindStateSync }
func (StateInterimSync) Kind() Kind { return KindStateInterimSync }
func (StateSnapshotSync) Kind() Kind { return KindStateSnapshotSync }
func (Task) Kind() Kind { return KindTask }
func (TaskDone) Kind() Kind { return KindTaskDone }
func (Terminate) Kind() Kind { return KindTerminate }

func (ExperimentInit) sealed() {}
func (NewSimulationRun) sealed() {}
func (ContextBatchSync) sealed() {}
func (StateSync) sealed() {}
func (StateInterimSync) sealed() {}
func (StateSnapshotSync) sealed() {}
func (Task) sealed() {}
func (TaskDone) sealed() {}
func (Terminate) sealed() {}

// RunOf returns the run a message is addressed to. ExperimentInit is not
// addressed to a run.
func RunOf(m Message) (RunID, bool) {
	switch m := m.(type) {
	case ExperimentInit:
		return 0, false
	case NewSimulationRun:
		return m.Run, true
	case ContextBatchSync:
		return m.Run, true
	case StateSync:
		return m.Run, true
	case StateInterimSync:
		return m.Run, true
	case StateSnapshotSync:
		return m.Run, true
	case Task:
		return m.Run, true
	case TaskDone:
		return m.Run, true
	case Terminate:
		return m.Run, true
	default:
		return 0, false
	}
}

// RefsOf builds the refs of the given batches at their loaded metaversions.
func RefsOf(batches []*batch.Batch) []SegmentRef {
	out := make([]SegmentRef, len(batches))
	for i, b := range batches {
		out[i] = SegmentRef{ID: b.ID(), Token: b.Metaversion()}
	}
	return out
}
