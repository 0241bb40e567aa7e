package rtsync

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/segment"
)

// Replica is everything one runtime knows about an experiment: the init
// message, the shared datasets and one Session per simulation run.
type Replica struct {
	store  *segment.Store
	logger *slog.Logger

	mu       sync.Mutex
	init     *ExperimentInit
	schemas  Schemas
	datasets *Loader
	sessions map[RunID]*Session
}

// NewReplica creates a replica opening segments through store.
func NewReplica(store *segment.Store, logger *slog.Logger) *Replica {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Replica{
		store:    store,
		logger:   logger,
		datasets: NewLoader(store),
		sessions: make(map[RunID]*Session),
	}
}

// Handle routes m to the replica or to the session of its run.
func (r *Replica) Handle(m Message) (Outcome, error) {
	if init, ok := m.(ExperimentInit); ok {
		return r.initialize(init)
	}
	if m == nil {
		return Outcome{}, ErrUnknownMessage
	}

	r.mu.Lock()
	if r.init == nil {
		r.mu.Unlock()
		return Outcome{}, ErrNotInitialized
	}
	run, _ := RunOf(m)
	sess, ok := r.sessions[run]
	if !ok {
		if _, isNew := m.(NewSimulationRun); !isNew {
			r.mu.Unlock()
			return Outcome{}, fmt.Errorf("%w: run %d", ErrNotInitialized, run)
		}
		sess = NewSession(run, r.schemas, NewLoader(r.store), r.logger)
		r.sessions[run] = sess
	}
	r.mu.Unlock()

	return sess.Handle(m)
}

func (r *Replica) initialize(m ExperimentInit) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Outcome{}
	if r.init != nil {
		return out, ErrAlreadyInitialized
	}

	var schemas Schemas
	var err error
	if schemas.Agents, err = batch.NewSchema(m.AgentSchema...); err != nil {
		return out, fmt.Errorf("agent schema: %w", err)
	}
	if schemas.Messages, err = batch.NewSchema(m.MessageSchema...); err != nil {
		return out, fmt.Errorf("message schema: %w", err)
	}
	if schemas.Context, err = batch.NewSchema(m.ContextSchema...); err != nil {
		return out, fmt.Errorf("context schema: %w", err)
	}

	for _, ref := range m.Datasets {
		_, l, err := r.datasets.Segment(ref)
		if err != nil {
			return out, fmt.Errorf("dataset %s: %w", ref.ID, err)
		}
		switch l {
		case Opened:
			out.Opened++
		case Skipped:
			out.Skipped++
		}
	}

	r.init = &m
	r.schemas = schemas
	r.logger.Debug("replica initialized", "experiment", m.ExperimentID,
		"packages", len(m.Packages), "datasets", len(m.Datasets))
	return out, nil
}

// Init returns the experiment init message, if received.
func (r *Replica) Init() (ExperimentInit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.init == nil {
		return ExperimentInit{}, false
	}
	return *r.init, true
}

// Dataset returns the mapping of a shared dataset.
func (r *Replica) Dataset(ref SegmentRef) ([]byte, error) {
	seg, _, err := r.datasets.Segment(ref)
	if err != nil {
		return nil, err
	}
	return seg.Payload()[:seg.DataLength()], nil
}

// Session returns the session of run.
func (r *Replica) Session(run RunID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[run]
	return s, ok
}

// Runs returns the ids of every known run in ascending order.
func (r *Replica) Runs() []RunID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close terminates every session and drops every mapping.
func (r *Replica) Close() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if _, err := s.Handle(Terminate{Run: s.Run()}); err != nil && !errors.Is(err, ErrTerminated) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, r.datasets.Close())
	return errors.Join(errs...)
}
