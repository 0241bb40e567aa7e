package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/internal/resource"
	"github.com/hupe1980/simstate/pool"
	"github.com/hupe1980/simstate/segment"
)

// Config configures a Migrator.
type Config struct {
	// Store allocates the segments of created groups.
	Store *segment.Store

	AgentSchema   *batch.Schema
	MessageSchema *batch.Schema

	// Resources bounds parallelism and relayout bandwidth. Optional.
	Resources *resource.Controller

	// Logger receives phase-level events. Optional.
	Logger *slog.Logger
}

// Migrator applies plans to the state of one simulation run.
type Migrator struct {
	store         *segment.Store
	agentSchema   *batch.Schema
	messageSchema *batch.Schema
	resources     *resource.Controller
	logger        *slog.Logger
}

// New creates a Migrator.
func New(cfg Config) (*Migrator, error) {
	if cfg.Store == nil || cfg.AgentSchema == nil || cfg.MessageSchema == nil {
		return nil, errors.New("migration: store and schemas are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Migrator{
		store:         cfg.Store,
		agentSchema:   cfg.AgentSchema,
		messageSchema: cfg.MessageSchema,
		resources:     cfg.Resources,
		logger:        cfg.Logger,
	}, nil
}

type group struct {
	agents, messages *batch.Batch
}

func (g group) destroy() error {
	return errors.Join(g.agents.Destroy(), g.messages.Destroy())
}

type grown struct {
	b              *batch.Batch
	rows, capacity int
}

// Apply applies plan to st and returns the segment ids of removed groups,
// agent id before message id, for the caller to release after every runtime
// has let go of them. Their local mappings are already closed.
//
// Apply is all-or-nothing with respect to allocation: new groups are created
// and the memory of growing segments reserved before anything else changes,
// and a failure there destroys the new groups and returns an *AbortError with
// st untouched. A grow that fails after the reservation, on a file system
// error, reshapes the batches already grown back to their old capacity.
func (m *Migrator) Apply(ctx context.Context, st *pool.State, plan Plan) ([]string, error) {
	if err := plan.validate(st, m.agentSchema); err != nil {
		return nil, err
	}

	w, err := st.Write(ctx, nil)
	if err != nil {
		return nil, err
	}
	groups := w.SplitPerGroup()
	defer func() {
		for _, g := range groups {
			g.Release()
		}
	}()

	want, err := plan.NumAgentsAfterExecution(st)
	if err != nil {
		return nil, err
	}

	created, err := m.create(ctx, plan.Create)
	if err != nil {
		return nil, &AbortError{Phase: "create", Err: err}
	}

	undo, err := m.grow(ctx, plan, groups)
	if err != nil {
		rollback := []error{err}
		for _, g := range undo {
			rollback = append(rollback, g.b.Reshape(ctx, g.rows, g.capacity, nil))
		}
		for _, g := range created {
			rollback = append(rollback, g.destroy())
		}
		return nil, &AbortError{Phase: "grow", Err: errors.Join(rollback...)}
	}

	if err := m.update(ctx, plan, groups); err != nil {
		for _, g := range created {
			_ = g.destroy()
		}
		return nil, err
	}

	removed, err := m.remove(st, plan, groups)
	if err != nil {
		for _, g := range created {
			_ = g.destroy()
		}
		return removed, err
	}

	for _, g := range created {
		if err := st.Push(g.agents, g.messages); err != nil {
			return removed, err
		}
	}

	if got := st.NumAgents(); got != want {
		return removed, fmt.Errorf("%w: want %d, got %d", ErrAgentCountMismatch, want, got)
	}
	m.logger.DebugContext(ctx, "migration applied",
		"groups", st.Len(), "created", len(created), "removed", len(removed)/2, "agents", want)
	return removed, nil
}

// slots runs batch work on at most Parallelism goroutines per phase. Each
// goroutine also holds a worker slot of the shared controller, so concurrent
// migrations of different runs stay within the same bound.
type slots struct {
	ctx context.Context
	rc  *resource.Controller
	eg  errgroup.Group
}

func (m *Migrator) newGroup(ctx context.Context) *slots {
	s := &slots{ctx: ctx, rc: m.resources}
	s.eg.SetLimit(m.resources.Parallelism())
	return s
}

func (s *slots) Go(fn func() error) {
	s.eg.Go(func() error {
		if err := s.rc.AcquireWorker(s.ctx); err != nil {
			return err
		}
		defer s.rc.ReleaseWorker()
		return fn()
	})
}

func (s *slots) Wait() error { return s.eg.Wait() }

// create stages every new group in parallel. On failure every staged group
// is destroyed.
func (m *Migrator) create(ctx context.Context, creations []Creation) ([]group, error) {
	out := make([]group, len(creations))
	eg := m.newGroup(ctx)
	for i, c := range creations {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			agents, err := batch.New(m.store, batch.Agents, m.agentSchema, c.Rows, c.Affinity)
			if err != nil {
				return err
			}
			messages, err := batch.New(m.store, batch.Messages, m.messageSchema, c.Rows, c.Affinity)
			if err != nil {
				_ = agents.Destroy()
				return err
			}
			g := group{agents: agents, messages: messages}
			for name, data := range c.Columns {
				if err := agents.SetColumn(name, data); err != nil {
					_ = g.destroy()
					return err
				}
			}
			if err := errors.Join(agents.Commit(), messages.Commit()); err != nil {
				_ = g.destroy()
				return err
			}
			out[i] = g
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		for _, g := range out {
			if g.agents != nil {
				_ = g.destroy()
			}
		}
		return nil, err
	}
	return out, nil
}

// grow resizes every batch an Update grows beyond its capacity. The memory
// of all of them is reserved first, so a limit is hit before any batch
// changes. It returns the batches it resized with their previous shape.
func (m *Migrator) grow(ctx context.Context, plan Plan, groups []*pool.StateWriteProxy) ([]grown, error) {
	type job struct {
		b    *batch.Batch
		rows int
	}
	var jobs []job
	need := make(map[*segment.Store]int64)
	for i, a := range plan.Existing {
		u, ok := a.(Update)
		if !ok {
			continue
		}
		for _, b := range []*batch.Batch{groups[i].Agents.Batch(0), groups[i].Messages.Batch(0)} {
			if u.Rows <= b.Capacity() {
				continue
			}
			jobs = append(jobs, job{b: b, rows: u.Rows})
			need[b.Segment().Store()] += b.GrowBytes(u.Rows)
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	reserved := make(map[*segment.Store]*segment.Reservation, len(need))
	defer func() {
		for _, r := range reserved {
			r.Release()
		}
	}()
	for store, n := range need {
		r, err := store.Reserve(n)
		if err != nil {
			return nil, err
		}
		reserved[store] = r
	}

	var (
		mu   sync.Mutex
		undo []grown
	)
	eg := m.newGroup(ctx)
	for _, j := range jobs {
		eg.Go(func() error {
			prev := grown{b: j.b, rows: j.b.Rows(), capacity: j.b.Capacity()}
			if err := j.b.ResizeReserved(ctx, j.rows, m.resources, reserved[j.b.Segment().Store()]); err != nil {
				return err
			}
			mu.Lock()
			undo = append(undo, prev)
			mu.Unlock()
			return nil
		})
	}
	err := eg.Wait()
	return undo, err
}

// update applies Persist and Update actions in parallel, one group per task.
func (m *Migrator) update(ctx context.Context, plan Plan, groups []*pool.StateWriteProxy) error {
	eg := m.newGroup(ctx)
	for i, a := range plan.Existing {
		agents, messages := groups[i].Agents.Batch(0), groups[i].Messages.Batch(0)
		switch a := a.(type) {
		case Persist:
			agents.SetAffinity(a.Affinity)
			messages.SetAffinity(a.Affinity)
		case Update:
			eg.Go(func() error {
				agents.SetAffinity(a.Affinity)
				messages.SetAffinity(a.Affinity)
				if err := agents.Resize(ctx, a.Rows, m.resources); err != nil {
					return err
				}
				if err := messages.Resize(ctx, a.Rows, m.resources); err != nil {
					return err
				}
				for name, data := range a.Columns {
					if err := agents.SetColumn(name, data); err != nil {
						return fmt.Errorf("group %d: %w", i, err)
					}
				}
				return errors.Join(agents.Commit(), messages.Commit())
			})
		}
	}
	return eg.Wait()
}

// remove swap-removes every group marked Remove, walking from the highest
// index down so lower indices stay valid.
func (m *Migrator) remove(st *pool.State, plan Plan, groups []*pool.StateWriteProxy) ([]string, error) {
	var removed []string
	for i := len(plan.Existing) - 1; i >= 0; i-- {
		if _, ok := plan.Existing[i].(Remove); !ok {
			continue
		}
		agents, messages, err := st.RemoveHeld(i, groups[i])
		if err != nil {
			return removed, err
		}
		removed = append(removed, agents.ID(), messages.ID())
		if err := errors.Join(agents.Close(), messages.Close()); err != nil {
			return removed, err
		}
	}
	return removed, nil
}
