package batch

import (
	"context"
	"errors"
	"sync/atomic"
)

// Shared is the handle through which a batch is accessed concurrently. The
// pool holds one per batch; proxies borrow it.
type Shared struct {
	batch *Batch
	lock  rwLock
}

// NewShared wraps b for proxy-mediated access.
func NewShared(b *Batch) *Shared {
	return &Shared{batch: b}
}

// ID returns the segment id of the batch. It does not need a proxy.
func (s *Shared) ID() string { return s.batch.ID() }

// Rows returns the row count of the batch. It does not need a proxy.
func (s *Shared) Rows() int { return s.batch.Rows() }

// Affinity returns the worker assigned to the batch. It does not need a proxy.
func (s *Shared) Affinity() WorkerIndex { return s.batch.Affinity() }

// Borrowed reports whether any proxy is outstanding.
func (s *Shared) Borrowed() bool {
	readers, writer := s.lock.holders()
	return writer || readers > 0
}

// Reclaim takes the batch back out of shared ownership. It fails with
// ErrBorrowed while any proxy is outstanding; afterwards every proxy
// acquisition fails with ErrReclaimed.
func (s *Shared) Reclaim() (*Batch, error) {
	w, err := TryWrite(s)
	if err != nil {
		if errors.Is(err, ErrLockUnavailable) {
			return nil, ErrBorrowed
		}
		return nil, err
	}
	return w.Reclaim()
}

// ReadProxy grants shared access to one batch. Many may coexist. A proxy must
// be released exactly once; extra calls to Release are no-ops.
type ReadProxy struct {
	shared   *Shared
	released atomic.Bool
}

// NewReadProxy blocks until shared access is granted or ctx is done.
func NewReadProxy(ctx context.Context, s *Shared) (*ReadProxy, error) {
	if err := s.lock.acquire(ctx, false); err != nil {
		return nil, err
	}
	return &ReadProxy{shared: s}, nil
}

// TryRead acquires shared access without blocking.
func TryRead(s *Shared) (*ReadProxy, error) {
	ok, err := s.lock.tryAcquire(false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockUnavailable
	}
	return &ReadProxy{shared: s}, nil
}

// Batch returns the guarded batch, or nil once released. Callers must not
// mutate it through a read proxy.
func (p *ReadProxy) Batch() *Batch {
	if p.released.Load() {
		return nil
	}
	return p.shared.batch
}

// Shared returns the handle the proxy was acquired on.
func (p *ReadProxy) Shared() *Shared { return p.shared }

// Release gives up shared access.
func (p *ReadProxy) Release() {
	if p.released.Swap(true) {
		return
	}
	p.shared.lock.release(false)
}

// WriteProxy grants exclusive access to one batch. Acquiring it does not
// touch the metaversion; content becomes visible to other processes only on
// Batch.Commit.
type WriteProxy struct {
	shared   *Shared
	released atomic.Bool
}

// NewWriteProxy blocks until no other proxy exists for the batch or ctx is
// done.
func NewWriteProxy(ctx context.Context, s *Shared) (*WriteProxy, error) {
	if err := s.lock.acquire(ctx, true); err != nil {
		return nil, err
	}
	return &WriteProxy{shared: s}, nil
}

// TryWrite acquires exclusive access without blocking.
func TryWrite(s *Shared) (*WriteProxy, error) {
	ok, err := s.lock.tryAcquire(true)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockUnavailable
	}
	return &WriteProxy{shared: s}, nil
}

// Batch returns the guarded batch, or nil once released or downgraded.
func (p *WriteProxy) Batch() *Batch {
	if p.released.Load() {
		return nil
	}
	return p.shared.batch
}

// Shared returns the handle the proxy was acquired on.
func (p *WriteProxy) Shared() *Shared { return p.shared }

// Release gives up exclusive access.
func (p *WriteProxy) Release() {
	if p.released.Swap(true) {
		return
	}
	p.shared.lock.release(true)
}

// Downgrade converts the write proxy into a read proxy with no unlocked
// window in between. p is released afterwards.
func (p *WriteProxy) Downgrade() (*ReadProxy, error) {
	if p.released.Swap(true) {
		return nil, ErrProxyReleased
	}
	p.shared.lock.downgrade()
	return &ReadProxy{shared: p.shared}, nil
}

// Reclaim releases exclusive access and retires the handle in one step.
func (p *WriteProxy) Reclaim() (*Batch, error) {
	if p.released.Swap(true) {
		return nil, ErrProxyReleased
	}
	p.shared.lock.reclaimHeld()
	return p.shared.batch, nil
}
