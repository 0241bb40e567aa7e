package simstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/migration"
	"github.com/hupe1980/simstate/pool"
	"github.com/hupe1980/simstate/rtsync"
	"github.com/hupe1980/simstate/runner"
)

// Run is one simulation run of an engine: its state and its sessions on
// every runtime.
type Run struct {
	eng      *Engine
	id       rtsync.RunID
	state    *pool.State
	migrator *migration.Migrator
	logger   *Logger

	mu      sync.Mutex
	closed  bool
	step    uint64
	context *batch.Batch
}

// ID returns the run id.
func (r *Run) ID() rtsync.RunID { return r.id }

// State returns the run's state. Borrow it through its proxies.
func (r *Run) State() *pool.State { return r.state }

// Step returns the number of context batches published.
func (r *Run) Step() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

func (r *Run) checkOpen() error {
	if r.closed {
		return runError(r.id, "use", ErrRunClosed)
	}
	return nil
}

// Migrate applies plan to the state, syncs every runtime to the result and
// then removes the segments of removed groups. It returns their ids.
func (r *Run) Migrate(ctx context.Context, plan migration.Plan) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	lctx, cancel := r.eng.withLockTimeout(ctx)
	defer cancel()
	before := r.state.Len()
	start := time.Now()
	removed, err := r.migrator.Apply(lctx, r.state, plan)
	r.eng.observer.OnMigration(time.Since(start), len(removed)/2, len(plan.Create), err)
	r.logger.LogMigration(ctx, before, r.state.Len(), r.state.NumAgents(), err)
	if err != nil {
		return nil, runError(r.id, "migrate", err)
	}

	if _, err := r.stateSync(ctx); err != nil {
		return removed, err
	}
	if err := r.eng.store.Remove(removed...); err != nil {
		return removed, runError(r.id, "migrate", err)
	}
	r.eng.reportMemory(ctx)
	return removed, nil
}

// StateSync sends the current segment refs of the state to every runtime
// and returns what each runtime had to do.
func (r *Run) StateSync(ctx context.Context) ([]rtsync.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.stateSync(ctx)
}

func (r *Run) stateSync(ctx context.Context) ([]rtsync.Outcome, error) {
	lctx, cancel := r.eng.withLockTimeout(ctx)
	defer cancel()
	start := time.Now()
	outs, err := r.eng.workers.SyncState(lctx, r.id)
	r.eng.observeSync(ctx, rtsync.KindStateSync, outs, start, err)
	return outs, runError(r.id, "sync state", err)
}

// PublishContext writes the context batch of the next step with fill, one
// row per agent, and announces it to every runtime with the group start
// offsets of the current state.
func (r *Run) PublishContext(ctx context.Context, fill func(b *batch.Batch) error) ([]rtsync.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	lctx, cancel := r.eng.withLockTimeout(ctx)
	defer cancel()
	read, err := r.state.Agents.Read(lctx, nil)
	if err != nil {
		return nil, runError(r.id, "publish context", err)
	}
	starts := make([]uint32, read.Len())
	rows := 0
	for i := range starts {
		starts[i] = uint32(rows)
		rows += read.Batch(i).Rows()
	}
	read.Release()

	if r.context == nil {
		b, err := batch.New(r.eng.store, batch.Context, r.eng.contextSchema, rows, batch.NoAffinity)
		if err != nil {
			return nil, runError(r.id, "publish context", err)
		}
		r.context = b
	} else if err := r.context.Resize(lctx, rows, r.eng.resources); err != nil {
		return nil, runError(r.id, "publish context", err)
	}
	if fill != nil {
		if err := fill(r.context); err != nil {
			return nil, runError(r.id, "publish context", err)
		}
	}
	if err := r.context.Commit(); err != nil {
		return nil, runError(r.id, "publish context", err)
	}
	r.step++

	msg := rtsync.ContextBatchSync{
		Run:         r.id,
		Context:     rtsync.RefsOf([]*batch.Batch{r.context})[0],
		GroupStarts: starts,
		CurrentStep: r.step,
	}
	start := time.Now()
	outs, err := r.eng.workers.Sync(ctx, msg)
	r.eng.observeSync(ctx, msg.Kind(), outs, start, err)
	return outs, runError(r.id, "publish context", err)
}

// Exec runs a package task on the run's state.
func (r *Run) Exec(ctx context.Context, task runner.Task) (runner.Result, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return runner.Result{}, runError(r.id, "exec", ErrRunClosed)
	}

	lctx, cancel := r.eng.withLockTimeout(ctx)
	defer cancel()
	res, err := r.eng.workers.Run(lctx, r.id, task)
	return res, runError(r.id, "exec", err)
}

// Close ends the run's sessions on every runtime and destroys its segments.
func (r *Run) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return runError(r.id, "close", ErrRunClosed)
	}
	r.closed = true

	errs := []error{r.eng.workers.FinishRun(ctx, r.id), r.state.Close(true)}
	if r.context != nil {
		errs = append(errs, r.context.Destroy())
		r.context = nil
	}

	r.eng.mu.Lock()
	delete(r.eng.runs, r.id)
	r.eng.mu.Unlock()
	r.eng.reportMemory(ctx)
	r.logger.InfoContext(ctx, "run closed", "steps", r.step)
	return runError(r.id, "close", errors.Join(errs...))
}
