package batch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/hupe1980/simstate/internal/resource"
	"github.com/hupe1980/simstate/segment"
)

// Kind distinguishes agent, message and context batches.
type Kind uint8

const (
	Agents Kind = iota + 1
	Messages
	// Context batches hold the per-step context shared by every group.
	Context
)

func (k Kind) String() string {
	switch k {
	case Agents:
		return "agents"
	case Messages:
		return "messages"
	case Context:
		return "context"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// WorkerIndex identifies the worker runtime owning execution over a batch.
type WorkerIndex int

// NoAffinity marks a batch not yet assigned to a worker.
const NoAffinity WorkerIndex = -1

// Refresh describes what Reload had to do.
type Refresh uint8

const (
	// Unchanged means the loaded metaversion was current.
	Unchanged Refresh = iota
	// Reloaded means only the batch version moved; the header was re-read.
	Reloaded
	// Remapped means the memory version moved; the segment was remapped.
	Remapped
)

func (r Refresh) String() string {
	switch r {
	case Unchanged:
		return "unchanged"
	case Reloaded:
		return "reloaded"
	case Remapped:
		return "remapped"
	default:
		return fmt.Sprintf("Refresh(%d)", uint8(r))
	}
}

// Batch is a columnar view over one segment.
//
// Columns are stored column-major with a fixed capacity; the row count may be
// lower than the capacity. Column slices returned by a Batch alias the shared
// mapping and are only valid until the next Resize, Reload or Close.
//
// A Batch itself is not synchronized beyond its metadata. Concurrent access is
// mediated by a Shared handle and its proxies.
type Batch struct {
	kind   Kind
	schema *Schema
	seg    *segment.Segment

	mu       sync.Mutex
	loaded   segment.Metaversion
	rows     int
	capacity int
	affinity WorkerIndex
}

// New allocates a segment sized for rows and returns an empty batch over it.
// Its metaversion starts at zero; nothing is visible to other processes
// until the first Commit.
func New(store *segment.Store, kind Kind, schema *Schema, rows int, affinity WorkerIndex) (*Batch, error) {
	if rows < 0 {
		return nil, fmt.Errorf("%w: %d rows", ErrRowOutOfRange, rows)
	}
	seg, err := store.Create(schema.PayloadSize(rows))
	if err != nil {
		return nil, err
	}
	tok, err := seg.Token()
	if err != nil {
		_ = seg.Destroy()
		return nil, err
	}

	b := &Batch{
		kind:     kind,
		schema:   schema,
		seg:      seg,
		loaded:   tok,
		rows:     rows,
		capacity: rows,
		affinity: affinity,
	}
	if err := b.writeHeader(); err != nil {
		_ = seg.Destroy()
		return nil, err
	}
	return b, nil
}

// Open maps an existing batch segment created elsewhere.
func Open(store *segment.Store, id string, kind Kind, schema *Schema) (*Batch, error) {
	seg, err := store.Open(id)
	if err != nil {
		return nil, err
	}
	b, err := FromSegment(seg, kind, schema)
	if err != nil {
		_ = seg.Close()
		return nil, err
	}
	return b, nil
}

// FromSegment wraps an already mapped segment.
func FromSegment(seg *segment.Segment, kind Kind, schema *Schema) (*Batch, error) {
	tok, err := seg.Token()
	if err != nil {
		return nil, err
	}
	b := &Batch{kind: kind, schema: schema, seg: seg, loaded: tok, affinity: NoAffinity}
	if err := b.readHeader(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Batch) writeHeader() error {
	p := b.seg.Payload()
	if len(p) < batchHeaderSize {
		return ErrNotLoaded
	}
	binary.LittleEndian.PutUint32(p[0:4], uint32(b.rows))
	binary.LittleEndian.PutUint32(p[4:8], uint32(b.capacity))
	return b.seg.SetDataLength(b.schema.PayloadSize(b.capacity))
}

func (b *Batch) readHeader() error {
	p := b.seg.Payload()
	if len(p) < batchHeaderSize {
		return ErrNotLoaded
	}
	rows := int(binary.LittleEndian.Uint32(p[0:4]))
	capacity := int(binary.LittleEndian.Uint32(p[4:8]))
	if rows > capacity || b.schema.PayloadSize(capacity) > len(p) {
		return fmt.Errorf("%w: %s rows=%d capacity=%d payload=%d", ErrCorruptHeader, b.seg.ID(), rows, capacity, len(p))
	}
	b.rows, b.capacity = rows, capacity
	return nil
}

// ID returns the segment id backing the batch.
func (b *Batch) ID() string { return b.seg.ID() }

// Kind returns whether the batch holds agents or messages.
func (b *Batch) Kind() Kind { return b.kind }

// Schema returns the column layout.
func (b *Batch) Schema() *Schema { return b.schema }

// Segment returns the backing segment.
func (b *Batch) Segment() *segment.Segment { return b.seg }

// Rows returns the row count.
func (b *Batch) Rows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows
}

// Capacity returns the number of rows the segment can hold without resizing.
func (b *Batch) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Affinity returns the worker owning execution over the batch.
func (b *Batch) Affinity() WorkerIndex {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.affinity
}

// SetAffinity reassigns the batch. Affinity is engine-local and not persisted.
func (b *Batch) SetAffinity(w WorkerIndex) {
	b.mu.Lock()
	b.affinity = w
	b.mu.Unlock()
}

// Metaversion returns the metaversion the local view was loaded at.
func (b *Batch) Metaversion() segment.Metaversion {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// Persisted returns the metaversion currently stored in the segment.
func (b *Batch) Persisted() (segment.Metaversion, error) {
	return b.seg.Token()
}

// IsLatest reports whether the local view matches the persisted metaversion.
func (b *Batch) IsLatest() (bool, error) {
	persisted, err := b.seg.Token()
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.loaded.OlderThan(persisted), nil
}

func (b *Batch) checkFresh() error {
	persisted, err := b.seg.Token()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotLoaded, err)
	}
	if b.loaded.OlderThan(persisted) {
		return fmt.Errorf("%w: %s loaded %s, persisted %s", ErrStaleBatch, b.seg.ID(), b.loaded, persisted)
	}
	return nil
}

// column returns the bytes of column name for the current rows. b.mu must
// be held.
func (b *Batch) column(name string) ([]byte, Field, error) {
	i, f, ok := b.schema.Lookup(name)
	if !ok {
		return nil, Field{}, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	if err := b.checkFresh(); err != nil {
		return nil, Field{}, err
	}
	off := b.schema.columnOffset(i, b.capacity)
	n := b.rows * f.ByteWidth()
	return b.seg.Payload()[off : off+n : off+n], f, nil
}

// Column returns the raw bytes of a column, rows*width long.
func (b *Batch) Column(name string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	col, _, err := b.column(name)
	return col, err
}

// SetColumn overwrites a whole column. data must be exactly rows*width bytes.
func (b *Batch) SetColumn(name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	col, f, err := b.column(name)
	if err != nil {
		return err
	}
	if len(data) != len(col) {
		return fmt.Errorf("%w: column %q wants %d bytes (%d rows of %d), got %d",
			ErrTypeMismatch, name, len(col), b.rows, f.ByteWidth(), len(data))
	}
	copy(col, data)
	return nil
}

// Row is one row's cells in column order.
type Row [][]byte

// ReadRow returns a copy of every cell of row.
func (b *Batch) ReadRow(row int) (Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= b.rows {
		return nil, fmt.Errorf("%w: %d of %d", ErrRowOutOfRange, row, b.rows)
	}
	out := make(Row, b.schema.NumFields())
	for i, f := range b.schema.fields {
		col, _, err := b.column(f.Name)
		if err != nil {
			return nil, err
		}
		w := f.ByteWidth()
		out[i] = append([]byte(nil), col[row*w:(row+1)*w]...)
	}
	return out, nil
}

// WriteRow overwrites every cell of row.
func (b *Batch) WriteRow(row int, values Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if row < 0 || row >= b.rows {
		return fmt.Errorf("%w: %d of %d", ErrRowOutOfRange, row, b.rows)
	}
	if len(values) != b.schema.NumFields() {
		return fmt.Errorf("%w: row has %d cells, schema %d", ErrTypeMismatch, len(values), b.schema.NumFields())
	}
	for i, f := range b.schema.fields {
		w := f.ByteWidth()
		if len(values[i]) != w {
			return fmt.Errorf("%w: cell %q wants %d bytes, got %d", ErrTypeMismatch, f.Name, w, len(values[i]))
		}
	}
	for i, f := range b.schema.fields {
		col, _, err := b.column(f.Name)
		if err != nil {
			return err
		}
		w := f.ByteWidth()
		copy(col[row*w:(row+1)*w], values[i])
	}
	return nil
}

// Number is the set of Go types a fixed-width numeric column can be viewed as.
type Number interface {
	int32 | int64 | uint32 | uint64 | float32 | float64
}

func dataTypeOf[T Number]() DataType {
	var zero T
	switch any(zero).(type) {
	case int32:
		return Int32
	case int64:
		return Int64
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return 0
}

// Values returns column name as a typed slice aliasing shared memory.
// Columns start 8-byte aligned, so the view is always properly aligned.
func Values[T Number](b *Batch, name string) ([]T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	col, f, err := b.column(name)
	if err != nil {
		return nil, err
	}
	if dataTypeOf[T]() != f.Type {
		return nil, fmt.Errorf("%w: column %q is %s", ErrTypeMismatch, name, f.Type)
	}
	if b.rows == 0 {
		return []T{}, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&col[0])), b.rows), nil
}

// Commit publishes all content written since the last load. It fails with
// segment.ErrStaleMapping if another writer committed in between.
func (b *Batch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.seg.Commit(b.loaded)
	if err != nil {
		return err
	}
	b.loaded = next
	return nil
}

// Reload brings the local view up to the persisted metaversion. A newer
// memory version remaps the segment; a newer batch version only re-reads
// the header. An unchanged token does no work.
func (b *Batch) Reload() (Refresh, error) {
	persisted, err := b.seg.Token()
	if err != nil {
		return Unchanged, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.loaded.MemoryOlderThan(persisted):
		if err := b.seg.Reload(); err != nil {
			return Unchanged, err
		}
		if err := b.readHeader(); err != nil {
			return Unchanged, err
		}
		b.loaded = persisted
		return Remapped, nil
	case b.loaded.OlderThan(persisted):
		if err := b.readHeader(); err != nil {
			return Unchanged, err
		}
		b.loaded = persisted
		return Reloaded, nil
	default:
		return Unchanged, nil
	}
}

// Resize changes the row count. Shrinking and growing within capacity only
// rewrite the header; new rows are zeroed. Growing beyond capacity resizes the
// segment and relays out every column, charging the copy to rc's IO limiter
// (rc may be nil). The relayout is committed before returning.
//
// The caller must hold the batch's write proxy.
func (b *Batch) Resize(ctx context.Context, rows int, rc *resource.Controller) error {
	return b.ResizeReserved(ctx, rows, rc, nil)
}

// ResizeReserved is Resize taking the memory of a grown segment from r.
func (b *Batch) ResizeReserved(ctx context.Context, rows int, rc *resource.Controller, r *segment.Reservation) error {
	if rows < 0 {
		return fmt.Errorf("%w: %d rows", ErrRowOutOfRange, rows)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkFresh(); err != nil {
		return err
	}

	if rows <= b.capacity {
		if rows > b.rows {
			b.zeroRows(b.rows, rows)
		}
		b.rows = rows
		return b.writeHeader()
	}
	return b.relayout(ctx, rows, b.grownCapacity(rows), rc, r)
}

// Reshape relays the batch out to exactly capacity rows of room holding the
// first rows rows. It is how a grown batch is given back its old footprint.
func (b *Batch) Reshape(ctx context.Context, rows, capacity int, rc *resource.Controller) error {
	if rows < 0 || rows > capacity {
		return fmt.Errorf("%w: %d rows in capacity %d", ErrRowOutOfRange, rows, capacity)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkFresh(); err != nil {
		return err
	}
	return b.relayout(ctx, rows, capacity, rc, nil)
}

func (b *Batch) grownCapacity(rows int) int {
	return max(rows, b.capacity+b.capacity/2)
}

// GrowBytes returns the memory Resize(rows) would add to the batch's
// segment: zero within capacity and for segments this process does not own.
func (b *Batch) GrowBytes(rows int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rows <= b.capacity || !b.seg.Owner() {
		return 0
	}
	return int64(b.schema.PayloadSize(b.grownCapacity(rows)) - b.seg.Size())
}

// relayout moves every column to a segment sized for newCap rows. b.mu must
// be held.
func (b *Batch) relayout(ctx context.Context, rows, newCap int, rc *resource.Controller, r *segment.Reservation) error {
	kept := min(b.rows, rows)

	// Copy columns out before the segment moves.
	saved := make([][]byte, b.schema.NumFields())
	for i, f := range b.schema.fields {
		off := b.schema.columnOffset(i, b.capacity)
		src := b.seg.Payload()[off : off+kept*f.ByteWidth()]
		saved[i] = make([]byte, len(src))
		if _, err := rc.Copy(ctx, saved[i], src); err != nil {
			return err
		}
	}

	if _, err := b.seg.ResizeReserved(b.schema.PayloadSize(newCap), r); err != nil {
		return err
	}
	tok, err := b.seg.Token()
	if err != nil {
		return err
	}
	b.loaded = tok

	clear(b.seg.Payload())
	for i := range b.schema.fields {
		off := b.schema.columnOffset(i, newCap)
		copy(b.seg.Payload()[off:], saved[i])
	}
	b.rows, b.capacity = rows, newCap
	if err := b.writeHeader(); err != nil {
		return err
	}

	next, err := b.seg.Commit(b.loaded)
	if err != nil {
		return err
	}
	b.loaded = next
	return nil
}

func (b *Batch) zeroRows(from, to int) {
	p := b.seg.Payload()
	for i, f := range b.schema.fields {
		w := f.ByteWidth()
		off := b.schema.columnOffset(i, b.capacity)
		clear(p[off+from*w : off+to*w])
	}
}

// Close drops the local mapping without removing the segment.
func (b *Batch) Close() error { return b.seg.Close() }

// Destroy closes the mapping and, if this process created the segment,
// removes it.
func (b *Batch) Destroy() error { return b.seg.Destroy() }
