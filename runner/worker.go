package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/simstate/rtsync"
)

// inbound is one request to a worker: a sync message or a job.
type inbound struct {
	seq uint64
	ctx context.Context
	run rtsync.RunID
	msg rtsync.Message
	job *Job
}

// outbound is a worker's reply to the inbound with the same seq.
type outbound struct {
	seq     uint64
	run     rtsync.RunID
	outcome rtsync.Outcome
	payload []byte
	err     error
}

// Worker owns one runtime and serves requests for it from its inbound
// queue, one at a time, in arrival order. Replies go to the outbound queue
// and are routed back to the waiting caller.
type Worker struct {
	index  int
	rt     Runtime
	logger *slog.Logger

	in  *Queue[inbound]
	out *Queue[outbound]
	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan outbound
	stopped bool

	done chan struct{}
}

func newWorker(index int, rt Runtime, logger *slog.Logger) *Worker {
	w := &Worker{
		index:   index,
		rt:      rt,
		logger:  logger.With("worker", index, "runtime", rt.Kind().String()),
		in:      NewQueue[inbound](),
		out:     NewQueue[outbound](),
		pending: make(map[uint64]chan outbound),
		done:    make(chan struct{}),
	}
	go w.loop()
	go w.route()
	return w
}

// Index returns the worker's position in its pool.
func (w *Worker) Index() int { return w.index }

// Runtime returns the worker's runtime.
func (w *Worker) Runtime() Runtime { return w.rt }

func (w *Worker) loop() {
	defer w.out.Close()
	for {
		in, err := w.in.Recv(context.Background())
		if err != nil {
			return
		}
		o := outbound{seq: in.seq, run: in.run}
		if in.job != nil {
			o.payload, o.err = w.rt.Exec(in.ctx, in.job)
			if o.err != nil {
				o.err = &TaskError{Runtime: w.rt.Kind(), Worker: w.index, Task: in.job.TaskID, Err: o.err}
				w.logger.Warn("task failed", "run", in.run, "task", in.job.TaskID, "error", o.err)
			}
		} else {
			o.outcome, o.err = w.rt.Sync(in.ctx, in.msg)
			if o.err != nil {
				w.logger.Warn("sync failed", "run", in.run, "kind", in.msg.Kind().String(), "error", o.err)
			}
		}
		if err := w.out.Send(o); err != nil {
			return
		}
	}
}

func (w *Worker) route() {
	defer close(w.done)
	for {
		o, err := w.out.Recv(context.Background())
		if err != nil {
			w.mu.Lock()
			w.stopped = true
			for seq, ch := range w.pending {
				ch <- outbound{seq: seq, err: fmt.Errorf("%w: worker %d stopped", ErrOutboundRecvFailed, w.index)}
				delete(w.pending, seq)
			}
			w.mu.Unlock()
			return
		}
		w.mu.Lock()
		ch, ok := w.pending[o.seq]
		delete(w.pending, o.seq)
		w.mu.Unlock()
		if ok {
			ch <- o
		}
	}
}

// call hands in to the worker and waits for the reply. Once a request is
// queued the reply is always awaited, so borrowed batches are never released
// while the runtime still uses them; the runtime observes ctx instead.
func (w *Worker) call(ctx context.Context, in inbound) (outbound, error) {
	in.ctx = ctx
	in.seq = w.seq.Add(1)
	ch := make(chan outbound, 1)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return outbound{}, fmt.Errorf("%w: worker %d: %w", ErrInboundSendFailed, w.index, ErrChannelClosed)
	}
	w.pending[in.seq] = ch
	w.mu.Unlock()

	if err := w.in.Send(in); err != nil {
		w.mu.Lock()
		delete(w.pending, in.seq)
		w.mu.Unlock()
		return outbound{}, fmt.Errorf("%w: worker %d: %w", ErrInboundSendFailed, w.index, err)
	}
	o := <-ch
	return o, o.err
}

// Sync applies m to the worker's runtime.
func (w *Worker) Sync(ctx context.Context, m rtsync.Message) (rtsync.Outcome, error) {
	run, _ := rtsync.RunOf(m)
	o, err := w.call(ctx, inbound{run: run, msg: m})
	return o.outcome, err
}

// Exec runs j on the worker's runtime.
func (w *Worker) Exec(ctx context.Context, j *Job) ([]byte, error) {
	o, err := w.call(ctx, inbound{run: j.Run, job: j})
	return o.payload, err
}

// stop closes the inbound queue and waits until every queued request got
// its reply.
func (w *Worker) stop() error {
	w.in.Close()
	<-w.done
	return w.rt.Close()
}
