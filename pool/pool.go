package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/simstate/batch"
)

// Pool is the ordered sequence of batches of one kind for a simulation run.
//
// The slice itself is guarded by a mutex; the batches are guarded by their
// own Shared handles. Structural changes (Push, SwapRemove) are made by the
// migration between steps.
type Pool struct {
	kind batch.Kind

	mu      sync.RWMutex
	batches []*batch.Shared
}

// New creates an empty pool.
func New(kind batch.Kind) *Pool {
	return &Pool{kind: kind}
}

// Kind returns the kind of batches in the pool.
func (p *Pool) Kind() batch.Kind { return p.kind }

// Len returns the number of batches.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.batches)
}

// Batch returns the handle at index i.
func (p *Pool) Batch(i int) (*batch.Shared, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.batches) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(p.batches))
	}
	return p.batches[i], nil
}

// Handles returns a snapshot of all handles in index order.
func (p *Pool) Handles() []*batch.Shared {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*batch.Shared, len(p.batches))
	copy(out, p.batches)
	return out
}

// IDs returns the segment ids in index order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, len(p.batches))
	for i, s := range p.batches {
		ids[i] = s.ID()
	}
	return ids
}

// Push appends b and returns its handle.
func (p *Pool) Push(b *batch.Batch) (*batch.Shared, error) {
	if b.Kind() != p.kind {
		return nil, fmt.Errorf("%w: %s into %s pool", ErrKindMismatch, b.Kind(), p.kind)
	}
	s := batch.NewShared(b)
	p.mu.Lock()
	p.batches = append(p.batches, s)
	p.mu.Unlock()
	return s, nil
}

// SwapRemove reclaims the batch at index i and moves the last batch into its
// place. It fails with ErrBatchBorrowed if the batch has outstanding proxies,
// leaving the pool unchanged.
func (p *Pool) SwapRemove(i int) (*batch.Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.batches) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(p.batches))
	}
	b, err := p.batches[i].Reclaim()
	if err != nil {
		return nil, fmt.Errorf("remove %s batch %d: %w", p.kind, i, err)
	}
	p.swapRemoveLocked(i)
	return b, nil
}

func (p *Pool) swapRemoveLocked(i int) {
	last := len(p.batches) - 1
	p.batches[i] = p.batches[last]
	p.batches[last] = nil
	p.batches = p.batches[:last]
}

// NumRows sums the row counts of all batches.
func (p *Pool) NumRows() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, s := range p.batches {
		n += s.Rows()
	}
	return n
}

// Close reclaims every batch and drops its mapping. With destroy set, owned
// segments are removed as well. Borrowed batches are skipped and reported.
func (p *Pool) Close(destroy bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	kept := p.batches[:0]
	for i, s := range p.batches {
		b, err := s.Reclaim()
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s batch %d: %w", p.kind, i, err))
			kept = append(kept, s)
			continue
		}
		if destroy {
			err = b.Destroy()
		} else {
			err = b.Close()
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	clear(p.batches[len(kept):])
	p.batches = kept
	return errors.Join(errs...)
}

// All returns the set of every index of the pool.
func (p *Pool) All() *roaring.Bitmap {
	set := roaring.New()
	if n := p.Len(); n > 0 {
		set.AddRange(0, uint64(n))
	}
	return set
}

// resolve returns the handles for the indices of set in ascending order.
// A nil set selects the whole pool.
func (p *Pool) resolve(set *roaring.Bitmap) ([]int, []*batch.Shared, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if set == nil {
		idx := make([]int, len(p.batches))
		for i := range idx {
			idx[i] = i
		}
		out := make([]*batch.Shared, len(p.batches))
		copy(out, p.batches)
		return idx, out, nil
	}
	idx := make([]int, 0, set.GetCardinality())
	out := make([]*batch.Shared, 0, set.GetCardinality())
	it := set.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= len(p.batches) {
			return nil, nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(p.batches))
		}
		idx = append(idx, i)
		out = append(out, p.batches[i])
	}
	return idx, out, nil
}

// CheckDisjoint verifies that no index appears in more than one set.
func CheckDisjoint(sets ...*roaring.Bitmap) error {
	seen := roaring.New()
	for i, s := range sets {
		if seen.Intersects(s) {
			overlap := roaring.And(seen, s)
			return fmt.Errorf("%w: partition %d shares batches %v", ErrOverlappingPartitions, i, overlap.ToArray())
		}
		seen.Or(s)
	}
	return nil
}
