package rtsync

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/simstate/batch"
)

// State is the lifecycle state of a Session.
type State uint8

const (
	Uninitialized State = iota
	Ready
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Outcome summarizes what handling one message cost.
type Outcome struct {
	Opened, Reloaded, Remapped, Skipped, Evicted int

	// Changed holds the group indices whose agent or message batch was
	// opened, reloaded or remapped.
	Changed *roaring.Bitmap
}

func (o *Outcome) count(l Load, group int) {
	switch l {
	case Skipped:
		o.Skipped++
		return
	case Opened:
		o.Opened++
	case Reloaded:
		o.Reloaded++
	case Remapped:
		o.Remapped++
	}
	if group >= 0 {
		o.Changed.Add(uint32(group))
	}
}

// Work returns the number of segments that had to be read.
func (o Outcome) Work() int { return o.Opened + o.Reloaded + o.Remapped }

// Schemas are the batch layouts a session interprets segments with.
type Schemas struct {
	Agents   *batch.Schema
	Messages *batch.Schema
	Context  *batch.Schema
}

// Session is the runtime-side sync state of one simulation run.
//
// A session starts Uninitialized, becomes Ready on NewSimulationRun and ends
// Terminated on TaskDone or Terminate. Errors while loading segments are
// returned to the caller but leave a Ready session Ready.
type Session struct {
	run     RunID
	schemas Schemas
	loader  *Loader
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	globals  []byte
	packages []Package

	agents, messages         []*batch.Batch
	snapAgents, snapMessages []*batch.Batch
	context                  *batch.Batch
	groupStarts              []uint32
	step                     uint64
}

// NewSession creates an uninitialized session.
func NewSession(run RunID, schemas Schemas, loader *Loader, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		run:     run,
		schemas: schemas,
		loader:  loader,
		logger:  logger.With("run", run),
	}
}

// Run returns the run id.
func (s *Session) Run() RunID { return s.run }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle applies one message.
func (s *Session) Handle(m Message) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Outcome{Changed: roaring.New()}
	if s.state == Terminated {
		return out, ErrTerminated
	}

	switch m := m.(type) {
	case NewSimulationRun:
		if s.state != Uninitialized {
			return out, ErrAlreadyInitialized
		}
		s.globals = m.Globals
		s.packages = m.Packages
		s.state = Ready
		s.logger.Debug("session ready", "packages", len(m.Packages))
		return out, nil
	case TaskDone, Terminate:
		s.state = Terminated
		n, err := s.loader.Retain(nil)
		out.Evicted = n
		s.agents, s.messages, s.snapAgents, s.snapMessages, s.context = nil, nil, nil, nil, nil
		s.logger.Debug("session terminated", "cause", m.Kind().String())
		return out, err
	case ContextBatchSync, StateSync, StateInterimSync, StateSnapshotSync, Task:
		if s.state != Ready {
			return out, ErrNotInitialized
		}
	default:
		return out, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}

	var err error
	switch m := m.(type) {
	case ContextBatchSync:
		err = s.syncContext(m, &out)
	case StateSync:
		err = s.syncState(m.Pools, &out)
	case StateInterimSync:
		err = s.syncInterim(m.Pools, &out)
	case StateSnapshotSync:
		err = s.syncSnapshot(m.Pools, &out)
	case Task:
		if len(m.Agents) > 0 || len(m.Messages) > 0 {
			err = s.syncInterim(m.Pools, &out)
		}
	}
	if err != nil {
		s.logger.Warn("sync failed", "kind", m.Kind().String(), "error", err)
	}
	return out, err
}

func (s *Session) syncContext(m ContextBatchSync, out *Outcome) error {
	b, l, err := s.loader.Batch(m.Context, batch.Context, s.schemas.Context)
	if err != nil {
		return err
	}
	out.count(l, -1)
	s.context = b
	s.groupStarts = m.GroupStarts
	s.step = m.CurrentStep
	return nil
}

func (s *Session) loadPools(p Pools, out *Outcome, groups []int) (agents, messages []*batch.Batch, err error) {
	if len(p.Agents) != len(p.Messages) {
		return nil, nil, fmt.Errorf("%w: %d agent refs, %d message refs", ErrPoolMismatch, len(p.Agents), len(p.Messages))
	}
	agents = make([]*batch.Batch, len(p.Agents))
	messages = make([]*batch.Batch, len(p.Messages))
	for i := range p.Agents {
		b, l, err := s.loader.Batch(p.Agents[i], batch.Agents, s.schemas.Agents)
		if err != nil {
			return nil, nil, err
		}
		out.count(l, groups[i])
		agents[i] = b

		b, l, err = s.loader.Batch(p.Messages[i], batch.Messages, s.schemas.Messages)
		if err != nil {
			return nil, nil, err
		}
		out.count(l, groups[i])
		messages[i] = b
	}
	return agents, messages, nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (s *Session) syncState(p Pools, out *Outcome) error {
	agents, messages, err := s.loadPools(p, out, identity(len(p.Agents)))
	if err != nil {
		return err
	}
	s.agents, s.messages = agents, messages
	return s.evictUnreferenced(out)
}

func (s *Session) syncSnapshot(p Pools, out *Outcome) error {
	groups := make([]int, len(p.Agents))
	for i := range groups {
		groups[i] = -1
	}
	agents, messages, err := s.loadPools(p, out, groups)
	if err != nil {
		return err
	}
	s.snapAgents, s.snapMessages = agents, messages
	return s.evictUnreferenced(out)
}

func (s *Session) syncInterim(p Pools, out *Outcome) error {
	if len(p.GroupIndices) == 0 {
		return s.syncState(p, out)
	}
	if len(p.GroupIndices) != len(p.Agents) {
		return fmt.Errorf("%w: %d group indices for %d refs", ErrPoolMismatch, len(p.GroupIndices), len(p.Agents))
	}
	groups := make([]int, len(p.GroupIndices))
	for i, g := range p.GroupIndices {
		if int(g) >= len(s.agents) {
			return fmt.Errorf("%w: group %d of %d", ErrPoolMismatch, g, len(s.agents))
		}
		groups[i] = int(g)
	}
	agents, messages, err := s.loadPools(p, out, groups)
	if err != nil {
		return err
	}
	for i, g := range groups {
		s.agents[g], s.messages[g] = agents[i], messages[i]
	}
	return s.evictUnreferenced(out)
}

// evictUnreferenced drops mappings of segments no longer part of the state,
// the snapshot or the context.
func (s *Session) evictUnreferenced(out *Outcome) error {
	keep := make(map[string]struct{})
	for _, set := range [][]*batch.Batch{s.agents, s.messages, s.snapAgents, s.snapMessages} {
		for _, b := range set {
			keep[b.ID()] = struct{}{}
		}
	}
	if s.context != nil {
		keep[s.context.ID()] = struct{}{}
	}
	n, err := s.loader.Retain(keep)
	out.Evicted += n
	return err
}

// View is a consistent snapshot of what the session currently maps.
type View struct {
	Agents, Messages []*batch.Batch
	Snapshot         struct{ Agents, Messages []*batch.Batch }
	Context          *batch.Batch
	GroupStarts      []uint32
	Step             uint64
	Globals          []byte
	Packages         []Package
}

// View returns the batches the session currently maps. The batches stay
// valid until the next message is handled.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		Agents:      append([]*batch.Batch(nil), s.agents...),
		Messages:    append([]*batch.Batch(nil), s.messages...),
		Context:     s.context,
		GroupStarts: s.groupStarts,
		Step:        s.step,
		Globals:     s.globals,
		Packages:    s.packages,
	}
	v.Snapshot.Agents = append([]*batch.Batch(nil), s.snapAgents...)
	v.Snapshot.Messages = append([]*batch.Batch(nil), s.snapMessages...)
	return v
}
