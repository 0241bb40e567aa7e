package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/codec"
	"github.com/hupe1980/simstate/internal/resource"
	"github.com/hupe1980/simstate/pool"
	"github.com/hupe1980/simstate/rtsync"
	"github.com/hupe1980/simstate/segment"
)

// Config configures a WorkerPool.
type Config struct {
	// Runtimes get one worker each, in order.
	Runtimes []Runtime

	// Resources bounds how many sub-tasks of one task run at once. Optional.
	Resources *resource.Controller

	// Logger is optional.
	Logger *slog.Logger

	// OnTask is called after every task. Optional.
	OnTask func(TaskStats)
}

// TaskStats describes one finished task.
type TaskStats struct {
	Run         rtsync.RunID
	TaskID      string
	Parts       int
	Duration    time.Duration
	Err         error
	Diagnostics []rtsync.Diagnostic
}

// Result is the combined result of a task.
type Result struct {
	TaskID  string
	Payload []byte
	Parts   int

	// Diagnostics holds what the runtimes reported, in partition order.
	Diagnostics []rtsync.Diagnostic
}

// WorkerPool runs the workers of an experiment and multiplexes simulation
// runs over them.
type WorkerPool struct {
	workers   []*Worker
	resources *resource.Controller
	logger    *slog.Logger
	onTask    func(TaskStats)

	next   atomic.Uint64
	closed atomic.Bool

	mu   sync.RWMutex
	runs map[rtsync.RunID]*pool.State
}

// NewWorkerPool starts one worker per runtime.
func NewWorkerPool(cfg Config) (*WorkerPool, error) {
	if len(cfg.Runtimes) == 0 {
		return nil, ErrNoRuntimes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	p := &WorkerPool{
		resources: cfg.Resources,
		logger:    cfg.Logger,
		onTask:    cfg.OnTask,
		runs:      make(map[rtsync.RunID]*pool.State),
	}
	for i, rt := range cfg.Runtimes {
		p.workers = append(p.workers, newWorker(i, rt, cfg.Logger))
	}
	return p, nil
}

// Len returns the number of workers.
func (p *WorkerPool) Len() int { return len(p.workers) }

// Worker returns worker i.
func (p *WorkerPool) Worker(i int) *Worker { return p.workers[i] }

// broadcast sends m to every worker concurrently and returns the outcomes in
// worker order.
func (p *WorkerPool) broadcast(ctx context.Context, m rtsync.Message) ([]rtsync.Outcome, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	out := make([]rtsync.Outcome, len(p.workers))
	var g errgroup.Group
	for i, w := range p.workers {
		g.Go(func() error {
			o, err := w.Sync(ctx, m)
			out[i] = o
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}
	return out, g.Wait()
}

// Init sends the experiment init message to every runtime.
func (p *WorkerPool) Init(ctx context.Context, m rtsync.ExperimentInit) ([]rtsync.Outcome, error) {
	return p.broadcast(ctx, m)
}

// RegisterRun makes st the state of m.Run and starts the run's session on
// every runtime.
func (p *WorkerPool) RegisterRun(ctx context.Context, m rtsync.NewSimulationRun, st *pool.State) error {
	p.mu.Lock()
	if _, ok := p.runs[m.Run]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: run %d", rtsync.ErrAlreadyInitialized, m.Run)
	}
	p.runs[m.Run] = st
	p.mu.Unlock()

	if _, err := p.broadcast(ctx, m); err != nil {
		p.mu.Lock()
		delete(p.runs, m.Run)
		p.mu.Unlock()
		return err
	}
	p.logger.Debug("run registered", "run", m.Run, "groups", st.Len())
	return nil
}

func (p *WorkerPool) state(run rtsync.RunID) (*pool.State, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st, ok := p.runs[run]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSimRun, run)
	}
	return st, nil
}

// Sync sends a run's sync message to every runtime.
func (p *WorkerPool) Sync(ctx context.Context, m rtsync.Message) ([]rtsync.Outcome, error) {
	run, ok := rtsync.RunOf(m)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not addressed to a run", rtsync.ErrUnknownMessage, m.Kind())
	}
	if _, err := p.state(run); err != nil {
		return nil, err
	}
	return p.broadcast(ctx, m)
}

// SyncState sends the current segment refs of run's state to every runtime.
func (p *WorkerPool) SyncState(ctx context.Context, run rtsync.RunID) ([]rtsync.Outcome, error) {
	st, err := p.state(run)
	if err != nil {
		return nil, err
	}
	r, err := st.Read(ctx, nil)
	if err != nil {
		return nil, err
	}
	msg := rtsync.StateSync{Run: run, Pools: rtsync.Pools{
		Agents:   rtsync.RefsOf(r.Agents.Batches()),
		Messages: rtsync.RefsOf(r.Messages.Batches()),
	}}
	r.Release()
	return p.broadcast(ctx, msg)
}

// FinishRun ends the run's sessions and forgets its state. The state itself
// is left to the caller.
func (p *WorkerPool) FinishRun(ctx context.Context, run rtsync.RunID) error {
	if _, err := p.state(run); err != nil {
		return err
	}
	_, err := p.broadcast(ctx, rtsync.TaskDone{Run: run})
	p.mu.Lock()
	delete(p.runs, run)
	p.mu.Unlock()
	return err
}

type partition struct {
	worker int
	groups *roaring.Bitmap
}

// partition assigns the task's groups to workers.
func (p *WorkerPool) partition(st *pool.State, t *Task) ([]partition, error) {
	groups := st.Agents.All()
	if t.Groups != nil {
		groups = t.Groups
	}
	n := len(p.workers)
	if !t.Distribute || n == 1 {
		w := int(p.next.Add(1)-1) % n
		return []partition{{worker: w, groups: groups.Clone()}}, nil
	}

	sets := make([]*roaring.Bitmap, n)
	for i := range sets {
		sets[i] = roaring.New()
	}
	rr := 0
	it := groups.Iterator()
	for it.HasNext() {
		g := it.Next()
		h, err := st.Agents.Batch(int(g))
		if err != nil {
			return nil, err
		}
		w := int(h.Affinity())
		if w < 0 || w >= n {
			w = rr % n
			rr++
		}
		sets[w].Add(g)
	}
	var parts []partition
	for w, s := range sets {
		if !s.IsEmpty() {
			parts = append(parts, partition{worker: w, groups: s})
		}
	}
	return parts, nil
}

// borrowed is the state access held for the duration of a task.
type borrowed struct {
	write *pool.StateWriteProxy
	read  *pool.StateReadProxy
}

func (b *borrowed) batches(i int) (agents, messages *batch.Batch, group int) {
	if b.write != nil {
		return b.write.Agents.Batch(i), b.write.Messages.Batch(i), b.write.Agents.Index(i)
	}
	return b.read.Agents.Batch(i), b.read.Messages.Batch(i), b.read.Agents.Index(i)
}

func (b *borrowed) len() int {
	switch {
	case b.write != nil:
		return b.write.Len()
	case b.read != nil:
		return b.read.Len()
	default:
		return 0
	}
}

func (b *borrowed) release() {
	if b.write != nil {
		b.write.Release()
	}
	if b.read != nil {
		b.read.Release()
	}
}

func borrow(ctx context.Context, st *pool.State, access Access, set *roaring.Bitmap) (*borrowed, error) {
	var (
		b   borrowed
		err error
	)
	switch access {
	case AccessWrite:
		b.write, err = st.Write(ctx, set)
	case AccessRead:
		b.read, err = st.Read(ctx, set)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Run executes a task of run. A distributed task is split into one job per
// partition; jobs run on their workers concurrently and their results are
// combined in partition order. Write access is committed only if every job
// succeeded; batches a runtime already committed or resized are reloaded
// instead.
func (p *WorkerPool) Run(ctx context.Context, run rtsync.RunID, t Task) (Result, error) {
	if p.closed.Load() {
		return Result{}, ErrPoolClosed
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	start := time.Now()
	res, err := p.run(ctx, run, &t)
	if p.onTask != nil {
		p.onTask(TaskStats{
			Run:         run,
			TaskID:      t.ID,
			Parts:       res.Parts,
			Duration:    time.Since(start),
			Err:         err,
			Diagnostics: res.Diagnostics,
		})
	}
	return res, err
}

func (p *WorkerPool) run(ctx context.Context, run rtsync.RunID, t *Task) (Result, error) {
	st, err := p.state(run)
	if err != nil {
		return Result{}, err
	}
	parts, err := p.partition(st, t)
	if err != nil {
		return Result{}, err
	}
	sets := make([]*roaring.Bitmap, len(parts))
	for i, part := range parts {
		sets[i] = part.groups
	}
	if t.Access == AccessWrite {
		if err := pool.CheckDisjoint(sets...); err != nil {
			return Result{}, err
		}
	}

	// Borrow the union once so pool-wide acquisition order holds.
	b, err := borrow(ctx, st, t.Access, roaring.FastOr(sets...))
	if err != nil {
		return Result{}, err
	}
	defer b.release()

	pos := make(map[int]int, b.len())
	for i := 0; i < b.len(); i++ {
		_, _, g := b.batches(i)
		pos[g] = i
	}

	jobs := make([]*Job, len(parts))
	for i, part := range parts {
		j := &Job{
			Run:       run,
			TaskID:    t.ID,
			PackageID: t.PackageID,
			Write:     t.Access == AccessWrite,
			Payload:   t.Payload,
		}
		for _, g := range part.groups.ToArray() {
			j.Groups = append(j.Groups, int(g))
			if t.Access != AccessNone {
				a, m, _ := b.batches(pos[int(g)])
				j.Agents = append(j.Agents, a)
				j.Messages = append(j.Messages, m)
			}
		}
		jobs[i] = j
	}

	var written []*batch.Batch
	var handed []segment.Metaversion
	if b.write != nil {
		written = append(b.write.Agents.Batches(), b.write.Messages.Batches()...)
		for _, wb := range written {
			handed = append(handed, wb.Metaversion())
		}
	}

	results := make([][]byte, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.resources.Parallelism(), len(p.workers)))
	for i, part := range parts {
		g.Go(func() error {
			out, err := p.workers[part.worker].Exec(gctx, jobs[i])
			results[i] = out
			return err
		})
	}
	execErr := g.Wait()
	res := Result{TaskID: t.ID, Parts: len(parts)}
	for _, j := range jobs {
		res.Diagnostics = append(res.Diagnostics, j.Diagnostics()...)
	}
	if err := settle(written, handed, execErr == nil); err != nil {
		execErr = errors.Join(execErr, err)
	}
	if execErr != nil {
		return res, execErr
	}

	res.Payload, err = combine(t, results)
	if err != nil {
		return res, fmt.Errorf("combine results of task %s: %w", t.ID, err)
	}
	return res, nil
}

// settle brings the engine's views of written batches up to what the
// runtimes left behind. A runtime mapping the segments itself commits or
// resizes through its own view, which moves the persisted token; those
// batches are reloaded and not committed again. Batches still at the token
// they were handed out at are committed when commit is set.
func settle(written []*batch.Batch, handed []segment.Metaversion, commit bool) error {
	var errs []error
	for i, b := range written {
		r, err := b.Reload()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if commit && r == batch.Unchanged && b.Metaversion() == handed[i] {
			errs = append(errs, b.Commit())
		}
	}
	return errors.Join(errs...)
}

func combine(t *Task, results [][]byte) ([]byte, error) {
	if t.Combine != nil {
		return t.Combine(results)
	}
	if !t.Distribute && len(results) == 1 {
		return results[0], nil
	}
	return codec.JoinArray(results), nil
}

// Runs returns the registered runs in ascending order.
func (p *WorkerPool) Runs() []rtsync.RunID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]rtsync.RunID, 0, len(p.runs))
	for r := range p.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every worker after it answered its queued requests and closes
// the runtimes.
func (p *WorkerPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, w := range p.workers {
		errs = append(errs, w.stop())
	}
	return errors.Join(errs...)
}
