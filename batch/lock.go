package batch

import (
	"context"
	"fmt"
	"sync"
)

// rwLock is a reader/writer lock that supports non-blocking acquisition,
// context-bounded waits and in-place downgrade from writer to reader.
// sync.RWMutex offers none of these.
type rwLock struct {
	mu        sync.Mutex
	readers   int
	writer    bool
	reclaimed bool
	wake      chan struct{} // closed and replaced on every release
}

func (l *rwLock) waitChan() chan struct{} {
	if l.wake == nil {
		l.wake = make(chan struct{})
	}
	return l.wake
}

func (l *rwLock) broadcast() {
	if l.wake != nil {
		close(l.wake)
		l.wake = nil
	}
}

func (l *rwLock) tryAcquire(exclusive bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reclaimed {
		return false, ErrReclaimed
	}
	if l.writer || (exclusive && l.readers > 0) {
		return false, nil
	}
	if exclusive {
		l.writer = true
	} else {
		l.readers++
	}
	return true, nil
}

func (l *rwLock) acquire(ctx context.Context, exclusive bool) error {
	for {
		ok, err := l.tryAcquire(exclusive)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		l.mu.Lock()
		// Re-check under the lock so a release between tryAcquire and here
		// is not missed.
		if !l.reclaimed && !l.writer && (!exclusive || l.readers == 0) {
			l.mu.Unlock()
			continue
		}
		wake := l.waitChan()
		l.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrLockUnavailable, ctx.Err())
		}
	}
}

func (l *rwLock) release(exclusive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exclusive {
		l.writer = false
	} else {
		l.readers--
	}
	l.broadcast()
}

// downgrade turns the held write lock into a read lock without an unlocked
// window, so no other writer can interleave.
func (l *rwLock) downgrade() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = false
	l.readers++
	l.broadcast()
}

// reclaimHeld turns the held write lock into a permanent tombstone.
func (l *rwLock) reclaimHeld() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = false
	l.reclaimed = true
	l.broadcast()
}

func (l *rwLock) holders() (readers int, writer bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers, l.writer
}
