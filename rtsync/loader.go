package rtsync

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/segment"
)

// Load reports what bringing one segment up to date cost.
type Load uint8

const (
	// Skipped means the local view already matched the ref; nothing was read.
	Skipped Load = iota
	// Opened means the segment was mapped for the first time.
	Opened
	// Reloaded means only the batch version moved.
	Reloaded
	// Remapped means the memory version moved and the mapping was rebuilt.
	Remapped
)

func (l Load) String() string {
	switch l {
	case Skipped:
		return "skipped"
	case Opened:
		return "opened"
	case Reloaded:
		return "reloaded"
	case Remapped:
		return "remapped"
	default:
		return fmt.Sprintf("Load(%d)", uint8(l))
	}
}

// Stats counts the work a Loader has done.
type Stats struct {
	Opens     int64 `json:"opens"`
	Reloads   int64 `json:"reloads"`
	Remaps    int64 `json:"remaps"`
	Skips     int64 `json:"skips"`
	Evictions int64 `json:"evictions"`
}

// Loader caches the runtime-local mappings of batch segments and brings them
// up to date against the refs in sync messages.
type Loader struct {
	store *segment.Store

	mu    sync.Mutex
	views map[string]*batch.Batch
	raw   map[string]*rawView

	opens, reloads, remaps, skips, evictions atomic.Int64
}

type rawView struct {
	seg    *segment.Segment
	loaded segment.Metaversion
}

// NewLoader creates a loader opening segments through store.
func NewLoader(store *segment.Store) *Loader {
	return &Loader{
		store: store,
		views: make(map[string]*batch.Batch),
		raw:   make(map[string]*rawView),
	}
}

// Batch loads the batch named by ref. If the cached view is at least as new
// as ref.Token no shared memory is touched.
func (l *Loader) Batch(ref SegmentRef, kind batch.Kind, schema *batch.Schema) (*batch.Batch, Load, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.views[ref.ID]
	if !ok {
		b, err := batch.Open(l.store, ref.ID, kind, schema)
		if err != nil {
			return nil, Skipped, err
		}
		if b.Metaversion().OlderThan(ref.Token) {
			_ = b.Close()
			return nil, Skipped, fmt.Errorf("%w: %s at %s, ref %s", batch.ErrStaleBatch, ref.ID, b.Metaversion(), ref.Token)
		}
		l.views[ref.ID] = b
		l.opens.Add(1)
		return b, Opened, nil
	}

	loaded := b.Metaversion()
	if !loaded.OlderThan(ref.Token) && !loaded.MemoryOlderThan(ref.Token) {
		l.skips.Add(1)
		return b, Skipped, nil
	}

	refresh, err := b.Reload()
	if err != nil {
		return nil, Skipped, err
	}
	if b.Metaversion().OlderThan(ref.Token) {
		return nil, Skipped, fmt.Errorf("%w: %s at %s, ref %s", batch.ErrStaleBatch, ref.ID, b.Metaversion(), ref.Token)
	}
	switch refresh {
	case batch.Remapped:
		l.remaps.Add(1)
		return b, Remapped, nil
	default:
		l.reloads.Add(1)
		return b, Reloaded, nil
	}
}

// Segment loads a raw segment, such as a shared dataset, named by ref.
func (l *Loader) Segment(ref SegmentRef) (*segment.Segment, Load, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.raw[ref.ID]
	if !ok {
		seg, err := l.store.Open(ref.ID)
		if err != nil {
			return nil, Skipped, err
		}
		tok, err := seg.Token()
		if err != nil {
			_ = seg.Close()
			return nil, Skipped, err
		}
		l.raw[ref.ID] = &rawView{seg: seg, loaded: tok}
		l.opens.Add(1)
		return seg, Opened, nil
	}

	if !v.loaded.OlderThan(ref.Token) && !v.loaded.MemoryOlderThan(ref.Token) {
		l.skips.Add(1)
		return v.seg, Skipped, nil
	}
	persisted, err := v.seg.Token()
	if err != nil {
		return nil, Skipped, err
	}
	if v.loaded.MemoryOlderThan(persisted) {
		if err := v.seg.Reload(); err != nil {
			return nil, Skipped, err
		}
		v.loaded = persisted
		l.remaps.Add(1)
		return v.seg, Remapped, nil
	}
	v.loaded = persisted
	l.reloads.Add(1)
	return v.seg, Reloaded, nil
}

// Cached reports whether id has a local mapping.
func (l *Loader) Cached(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.views[id]
	if !ok {
		_, ok = l.raw[id]
	}
	return ok
}

// Evict closes the local mappings of ids. Unknown ids are ignored. It
// returns the number of mappings closed.
func (l *Loader) Evict(ids ...string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	n := 0
	for _, id := range ids {
		if b, ok := l.views[id]; ok {
			errs = append(errs, b.Close())
			delete(l.views, id)
			n++
		}
		if v, ok := l.raw[id]; ok {
			errs = append(errs, v.seg.Close())
			delete(l.raw, id)
			n++
		}
	}
	l.evictions.Add(int64(n))
	return n, errors.Join(errs...)
}

// Retain evicts every cached mapping whose id is not in keep.
func (l *Loader) Retain(keep map[string]struct{}) (int, error) {
	l.mu.Lock()
	var drop []string
	for id := range l.views {
		if _, ok := keep[id]; !ok {
			drop = append(drop, id)
		}
	}
	for id := range l.raw {
		if _, ok := keep[id]; !ok {
			drop = append(drop, id)
		}
	}
	l.mu.Unlock()
	return l.Evict(drop...)
}

// Stats returns the accumulated counters.
func (l *Loader) Stats() Stats {
	return Stats{
		Opens:     l.opens.Load(),
		Reloads:   l.reloads.Load(),
		Remaps:    l.remaps.Load(),
		Skips:     l.skips.Load(),
		Evictions: l.evictions.Load(),
	}
}

// Close closes every cached mapping.
func (l *Loader) Close() error {
	_, err := l.Retain(nil)
	return err
}
