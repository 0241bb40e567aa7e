package simstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/internal/resource"
	"github.com/hupe1980/simstate/migration"
	"github.com/hupe1980/simstate/pool"
	"github.com/hupe1980/simstate/rtsync"
	"github.com/hupe1980/simstate/runner"
	"github.com/hupe1980/simstate/segment"
)

// Engine owns the shared memory of one experiment and the workers of its
// runtimes. Runs started on it share both.
type Engine struct {
	opts      options
	logger    *Logger
	observer  MetricsObserver
	resources *resource.Controller
	store     *segment.Store
	workers   *runner.WorkerPool

	id            string
	agentSchema   *batch.Schema
	messageSchema *batch.Schema
	contextSchema *batch.Schema
	packages      []rtsync.Package

	nextRun atomic.Uint32

	mu     sync.Mutex
	runs   map[rtsync.RunID]*Run
	closed bool
}

// New creates an engine for one experiment and initializes every runtime.
func New(ctx context.Context, agentSchema, messageSchema *batch.Schema, optFns ...Option) (*Engine, error) {
	if agentSchema == nil || messageSchema == nil {
		return nil, fmt.Errorf("%w: agent and message schemas are required", batch.ErrInvalidSchema)
	}
	o := applyOptions(optFns)
	contextSchema, err := batch.NewSchema(o.contextSchema...)
	if err != nil {
		return nil, fmt.Errorf("context schema: %w", err)
	}

	e := &Engine{
		opts:     o,
		logger:   o.logger,
		observer: o.metricsObserver,
		resources: resource.NewController(resource.Config{
			MemoryLimitBytes: o.memoryLimit,
			MaxParallelism:   o.maxParallelism,
			CopyBytesPerSec:  o.copyRateLimit,
		}),
		id:            uuid.NewString(),
		agentSchema:   agentSchema,
		messageSchema: messageSchema,
		contextSchema: contextSchema,
		runs:          make(map[rtsync.RunID]*Run),
	}

	for _, p := range o.packages {
		payload, err := o.codec.Marshal(p.config)
		if err != nil {
			return nil, fmt.Errorf("package %q: %w", p.name, err)
		}
		e.packages = append(e.packages, rtsync.Package{Name: p.name, ID: p.id, Payload: payload})
	}

	e.store, err = segment.NewStore(segment.Config{
		Dir:       o.segmentDir,
		Base:      strings.ReplaceAll(e.id, "-", ""),
		FS:        o.fs,
		Resources: e.resources,
		Logger:    e.logger.Logger,
	})
	if err != nil {
		return nil, err
	}

	runtimes, err := o.runtimes(RuntimeEnv{
		Store:  e.store,
		Logger: e.logger.Logger,
		Codec:  rtsync.NewCodec(o.compression),
	})
	if err != nil {
		_ = e.store.Cleanup()
		return nil, err
	}
	e.workers, err = runner.NewWorkerPool(runner.Config{
		Runtimes:  runtimes,
		Resources: e.resources,
		Logger:    e.logger.Logger,
		OnTask: func(s runner.TaskStats) {
			e.observer.OnTask(s.Duration, s.Parts, s.Err)
			for _, d := range s.Diagnostics {
				e.observer.OnDiagnostic(d.Kind.String())
			}
			e.logger.WithRun(s.Run).LogTask(context.Background(), s)
		},
	})
	if err != nil {
		for _, rt := range runtimes {
			_ = rt.Close()
		}
		return nil, err
	}

	init := rtsync.ExperimentInit{
		ExperimentID:  e.id,
		AgentSchema:   agentSchema.Fields(),
		MessageSchema: messageSchema.Fields(),
		ContextSchema: contextSchema.Fields(),
		Packages:      e.packages,
	}
	start := time.Now()
	outs, err := e.workers.Init(ctx, init)
	e.observeSync(ctx, init.Kind(), outs, start, err)
	if err != nil {
		_ = e.workers.Close()
		_ = e.store.Cleanup()
		return nil, err
	}

	e.logger.InfoContext(ctx, "engine started",
		"experiment", e.id,
		"dir", e.store.Dir(),
		"runtimes", e.workers.Len(),
	)
	return e, nil
}

// ExperimentID returns the experiment id.
func (e *Engine) ExperimentID() string { return e.id }

// Store returns the segment store. Runtimes in other processes open
// segments from the same directory.
func (e *Engine) Store() *segment.Store { return e.store }

// Workers returns the worker pool.
func (e *Engine) Workers() *runner.WorkerPool { return e.workers }

// MemoryUsage returns the shared memory held by segments of this engine.
func (e *Engine) MemoryUsage() int64 { return e.resources.MemoryUsage() }

func (e *Engine) observeSync(ctx context.Context, kind rtsync.Kind, outs []rtsync.Outcome, start time.Time, err error) {
	work := 0
	for _, o := range outs {
		work += o.Work()
	}
	e.observer.OnSync(kind.String(), work, time.Since(start), err)
	e.logger.LogSync(ctx, kind, outs, err)
}

func (e *Engine) reportMemory(ctx context.Context) {
	used := e.resources.MemoryUsage()
	e.observer.OnSegmentBytes(used)
	e.logger.LogSegmentBytes(ctx, used, e.resources.MemoryLimit())
}

// withLockTimeout bounds waits for borrowed state.
func (e *Engine) withLockTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.lockTimeout > 0 {
		return context.WithTimeout(ctx, e.opts.lockTimeout)
	}
	return ctx, func() {}
}

// StartRun creates the state of a new simulation run with one group per
// entry of groups, registers it with every runtime and syncs it. globals are
// encoded with the engine codec; nil sends none.
func (e *Engine) StartRun(ctx context.Context, globals any, groups ...int) (*Run, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	for _, n := range groups {
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGroups, groups)
		}
	}

	var encoded []byte
	if globals != nil {
		var err error
		if encoded, err = e.opts.codec.Marshal(globals); err != nil {
			return nil, fmt.Errorf("globals: %w", err)
		}
	}

	id := rtsync.RunID(e.nextRun.Add(1))
	st, err := e.buildState(groups)
	if err != nil {
		return nil, runError(id, "start", err)
	}
	migrator, err := migration.New(migration.Config{
		Store:         e.store,
		AgentSchema:   e.agentSchema,
		MessageSchema: e.messageSchema,
		Resources:     e.resources,
		Logger:        e.logger.With("run", id),
	})
	if err != nil {
		_ = st.Close(true)
		return nil, err
	}

	r := &Run{
		eng:      e,
		id:       id,
		state:    st,
		migrator: migrator,
		logger:   e.logger.WithRun(id),
	}
	msg := rtsync.NewSimulationRun{Run: id, Globals: encoded, Packages: e.packages}
	if err := e.workers.RegisterRun(ctx, msg, st); err != nil {
		_ = st.Close(true)
		return nil, runError(id, "start", err)
	}
	if _, err := r.StateSync(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()
	e.reportMemory(ctx)
	r.logger.InfoContext(ctx, "run started", "groups", len(groups), "agents", st.NumAgents())
	return r, nil
}

func (e *Engine) buildState(groups []int) (*pool.State, error) {
	st := pool.NewState()
	for i, rows := range groups {
		affinity := batch.WorkerIndex(i % e.workers.Len())
		agents, err := batch.New(e.store, batch.Agents, e.agentSchema, rows, affinity)
		if err != nil {
			return nil, errors.Join(err, st.Close(true))
		}
		messages, err := batch.New(e.store, batch.Messages, e.messageSchema, rows, affinity)
		if err != nil {
			return nil, errors.Join(err, agents.Destroy(), st.Close(true))
		}
		if err := errors.Join(agents.Commit(), messages.Commit()); err != nil {
			return nil, errors.Join(err, agents.Destroy(), messages.Destroy(), st.Close(true))
		}
		if err := st.Push(agents, messages); err != nil {
			return nil, errors.Join(err, agents.Destroy(), messages.Destroy(), st.Close(true))
		}
	}
	return st, nil
}

// Runs returns the ids of the runs that are not closed.
func (e *Engine) Runs() []rtsync.RunID {
	return e.workers.Runs()
}

// Close closes every run, stops the workers and removes every segment the
// engine created.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	var errs []error
	for _, r := range runs {
		if err := r.Close(context.Background()); err != nil && !errors.Is(err, ErrRunClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, e.workers.Close(), e.store.Cleanup())
	e.logger.Info("engine closed", "experiment", e.id)
	return errors.Join(errs...)
}
