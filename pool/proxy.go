package pool

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/simstate/batch"
)

// acquire takes one proxy per handle in the given (ascending) order. On any
// failure every proxy taken so far is released, so callers never hold a
// partial set.
func acquire[P interface{ Release() }](handles []*batch.Shared, get func(*batch.Shared) (P, error)) ([]P, error) {
	out := make([]P, 0, len(handles))
	for _, h := range handles {
		px, err := get(h)
		if err != nil {
			for _, taken := range out {
				taken.Release()
			}
			return nil, err
		}
		out = append(out, px)
	}
	return out, nil
}

// ReadProxy is shared access to a set of batches of one pool.
type ReadProxy struct {
	indices []int
	proxies []*batch.ReadProxy
}

// Read blocks until shared access to every batch in set is granted. A nil
// set selects the whole pool.
func (p *Pool) Read(ctx context.Context, set *roaring.Bitmap) (*ReadProxy, error) {
	idx, handles, err := p.resolve(set)
	if err != nil {
		return nil, err
	}
	proxies, err := acquire(handles, func(h *batch.Shared) (*batch.ReadProxy, error) {
		return batch.NewReadProxy(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return &ReadProxy{indices: idx, proxies: proxies}, nil
}

// TryRead is like Read but fails with batch.ErrLockUnavailable instead of
// waiting.
func (p *Pool) TryRead(set *roaring.Bitmap) (*ReadProxy, error) {
	idx, handles, err := p.resolve(set)
	if err != nil {
		return nil, err
	}
	proxies, err := acquire(handles, batch.TryRead)
	if err != nil {
		return nil, err
	}
	return &ReadProxy{indices: idx, proxies: proxies}, nil
}

// Len returns the number of batches covered.
func (r *ReadProxy) Len() int { return len(r.proxies) }

// Index returns the pool index of the i-th covered batch.
func (r *ReadProxy) Index(i int) int { return r.indices[i] }

// Batch returns the i-th covered batch.
func (r *ReadProxy) Batch(i int) *batch.Batch { return r.proxies[i].Batch() }

// Batches returns the covered batches in index order.
func (r *ReadProxy) Batches() []*batch.Batch {
	out := make([]*batch.Batch, len(r.proxies))
	for i, px := range r.proxies {
		out[i] = px.Batch()
	}
	return out
}

// NumRows sums the row counts of the covered batches.
func (r *ReadProxy) NumRows() int {
	n := 0
	for _, px := range r.proxies {
		n += px.Batch().Rows()
	}
	return n
}

// Deconstruct hands out the per-batch proxies. r is empty afterwards and the
// caller is responsible for releasing them.
func (r *ReadProxy) Deconstruct() []*batch.ReadProxy {
	out := r.proxies
	r.proxies, r.indices = nil, nil
	return out
}

// Release releases every covered batch. Safe to call more than once.
func (r *ReadProxy) Release() {
	for _, px := range r.proxies {
		px.Release()
	}
}

// WriteProxy is exclusive access to a set of batches of one pool.
type WriteProxy struct {
	indices []int
	proxies []*batch.WriteProxy
}

// Write blocks until exclusive access to every batch in set is granted. A
// nil set selects the whole pool.
func (p *Pool) Write(ctx context.Context, set *roaring.Bitmap) (*WriteProxy, error) {
	idx, handles, err := p.resolve(set)
	if err != nil {
		return nil, err
	}
	proxies, err := acquire(handles, func(h *batch.Shared) (*batch.WriteProxy, error) {
		return batch.NewWriteProxy(ctx, h)
	})
	if err != nil {
		return nil, err
	}
	return &WriteProxy{indices: idx, proxies: proxies}, nil
}

// TryWrite is like Write but fails with batch.ErrLockUnavailable instead of
// waiting.
func (p *Pool) TryWrite(set *roaring.Bitmap) (*WriteProxy, error) {
	idx, handles, err := p.resolve(set)
	if err != nil {
		return nil, err
	}
	proxies, err := acquire(handles, batch.TryWrite)
	if err != nil {
		return nil, err
	}
	return &WriteProxy{indices: idx, proxies: proxies}, nil
}

// Len returns the number of batches covered.
func (w *WriteProxy) Len() int { return len(w.proxies) }

// Index returns the pool index of the i-th covered batch.
func (w *WriteProxy) Index(i int) int { return w.indices[i] }

// Batch returns the i-th covered batch.
func (w *WriteProxy) Batch(i int) *batch.Batch { return w.proxies[i].Batch() }

// Batches returns the covered batches in index order.
func (w *WriteProxy) Batches() []*batch.Batch {
	out := make([]*batch.Batch, len(w.proxies))
	for i, px := range w.proxies {
		out[i] = px.Batch()
	}
	return out
}

// Indices returns the covered pool indices as a set.
func (w *WriteProxy) Indices() *roaring.Bitmap {
	set := roaring.New()
	for _, i := range w.indices {
		set.Add(uint32(i))
	}
	return set
}

// Commit commits every covered batch.
func (w *WriteProxy) Commit() error {
	for _, px := range w.proxies {
		if err := px.Batch().Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Downgrade converts every covered proxy into a read proxy. w is empty
// afterwards.
func (w *WriteProxy) Downgrade() (*ReadProxy, error) {
	r := &ReadProxy{indices: w.indices, proxies: make([]*batch.ReadProxy, 0, len(w.proxies))}
	for _, px := range w.proxies {
		rp, err := px.Downgrade()
		if err != nil {
			r.Release()
			w.Release()
			return nil, err
		}
		r.proxies = append(r.proxies, rp)
	}
	w.proxies, w.indices = nil, nil
	return r, nil
}

// SplitPerGroup splits w into one single-batch proxy per covered batch, for
// handing groups to concurrent workers. w is empty afterwards.
func (w *WriteProxy) SplitPerGroup() []*WriteProxy {
	out := make([]*WriteProxy, len(w.proxies))
	for i, px := range w.proxies {
		out[i] = &WriteProxy{indices: []int{w.indices[i]}, proxies: []*batch.WriteProxy{px}}
	}
	w.proxies, w.indices = nil, nil
	return out
}

// Deconstruct hands out the per-batch proxies. w is empty afterwards.
func (w *WriteProxy) Deconstruct() []*batch.WriteProxy {
	out := w.proxies
	w.proxies, w.indices = nil, nil
	return out
}

// Release releases every covered batch. Safe to call more than once.
func (w *WriteProxy) Release() {
	for _, px := range w.proxies {
		px.Release()
	}
}
