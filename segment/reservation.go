package segment

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// Reservation is memory set aside on a store's controller for a set of
// resizes that must all fit before the first one starts. Resizes of the
// store's segments draw from it through ResizeReserved.
type Reservation struct {
	store *Store

	mu   sync.Mutex
	left int64
}

// Reserve sets n bytes aside. If they do not fit nothing is reserved.
func (s *Store) Reserve(n int64) (*Reservation, error) {
	if n < 0 {
		n = 0
	}
	if err := s.resources.AcquireMemory(n); err != nil {
		return nil, fmt.Errorf("reserve %s: %w", humanize.IBytes(uint64(n)), err)
	}
	return &Reservation{store: s, left: n}, nil
}

// Left returns the bytes not yet drawn.
func (r *Reservation) Left() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.left
}

func (r *Reservation) take(n int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.left {
		return false
	}
	r.left -= n
	return true
}

func (r *Reservation) give(n int64) {
	r.mu.Lock()
	r.left += n
	r.mu.Unlock()
}

// Release returns the bytes not drawn to the controller. It is idempotent.
func (r *Reservation) Release() {
	r.mu.Lock()
	n := r.left
	r.left = 0
	r.mu.Unlock()
	r.store.resources.ReleaseMemory(n)
}
