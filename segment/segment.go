package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/hupe1980/simstate/internal/fs"
	"github.com/hupe1980/simstate/internal/mmap"
)

// MaxSize is the largest segment that can be created. Column offsets inside
// a segment are 32-bit.
const MaxSize = math.MaxInt32

// Header layout:
//
//	[0:8)   persisted metaversion (memory version in the low word)
//	[8:16)  payload bytes in use
//	[16:)   payload
const (
	headerSize       = 16
	offsetDataLength = 8
)

// Segment is one shared memory region backing a batch.
//
// A Segment value is the mapping local to one process; other processes hold
// their own mappings of the same id. There is no cross-process lock: the
// persisted metaversion in the header is the only shared consistency state.
//
// A Segment is not safe for concurrent Resize; callers serialize writers with
// the batch write proxy.
type Segment struct {
	id      string
	store   *Store
	file    fs.File
	mapping *mmap.Mapping
	owner   bool
	closed  atomic.Bool
}

func (s *Segment) mapFile(total int64) error {
	m, err := mmap.Map(s.file, total)
	if err != nil {
		return err
	}
	if !s.owner {
		// Openers map a segment because they are about to read all of it.
		_ = m.Advise(mmap.AdviceWillNeed)
	}
	s.mapping = m
	return nil
}

// ID returns the process-independent identifier of the segment.
func (s *Segment) ID() string { return s.id }

// Store returns the store the segment was created or opened through.
func (s *Segment) Store() *Store { return s.store }

// Owner reports whether this process created the segment.
func (s *Segment) Owner() bool { return s.owner }

// Size returns the payload capacity of the local mapping in bytes.
func (s *Segment) Size() int {
	if s.mapping == nil {
		return 0
	}
	return s.mapping.Size() - headerSize
}

func (s *Segment) tokenWord() *uint64 {
	// The mapping is page aligned, so the first word is 8-byte aligned.
	return (*uint64)(unsafe.Pointer(&s.mapping.Bytes()[0]))
}

// Token returns the persisted metaversion.
//
// The header never moves and always lies inside every mapping of the
// segment, so Token is safe to call on a stale mapping.
func (s *Segment) Token() (Metaversion, error) {
	if s.closed.Load() {
		return Metaversion{}, ErrClosed
	}
	return MetaversionFromUint64(atomic.LoadUint64(s.tokenWord())), nil
}

func (s *Segment) storeToken(v Metaversion) {
	atomic.StoreUint64(s.tokenWord(), v.Uint64())
}

// Payload returns the payload bytes of the local mapping. The slice is only
// valid until the next Resize, Reload or Close.
func (s *Segment) Payload() []byte {
	if s.closed.Load() {
		return nil
	}
	return s.mapping.Bytes()[headerSize:]
}

// DataLength returns the number of payload bytes in use.
func (s *Segment) DataLength() int {
	if s.closed.Load() {
		return 0
	}
	return int(binary.LittleEndian.Uint64(s.mapping.Bytes()[offsetDataLength:headerSize]))
}

// SetDataLength records the number of payload bytes in use. It becomes
// visible to other processes with the next Commit.
func (s *Segment) SetDataLength(n int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if n < 0 || n > s.Size() {
		return fmt.Errorf("data length %d outside payload of %d bytes", n, s.Size())
	}
	binary.LittleEndian.PutUint64(s.mapping.Bytes()[offsetDataLength:headerSize], uint64(n))
	return nil
}

// Commit publishes a content change made on top of the loaded metaversion.
// It increments the batch version and stores the token last, so any reader
// that observes the new token also observes every write made before Commit.
//
// Commit fails with ErrStaleMapping if loaded is older than the persisted
// token, because the caller would publish changes to data it never saw.
func (s *Segment) Commit(loaded Metaversion) (Metaversion, error) {
	persisted, err := s.Token()
	if err != nil {
		return Metaversion{}, err
	}
	if loaded.OlderThan(persisted) {
		return persisted, fmt.Errorf("%w: %s loaded %s, persisted %s", ErrStaleMapping, s.id, loaded, persisted)
	}
	next := persisted
	next.IncrementBatch()
	s.storeToken(next)
	return next, nil
}

// Resize changes the payload capacity to size bytes, keeping the id. Payload
// bytes below min(old, new) are preserved. Both versions of the persisted
// metaversion are incremented, so every other holder must remap.
//
// The caller must hold exclusive access to the batch.
func (s *Segment) Resize(size int) (Metaversion, error) {
	return s.ResizeReserved(size, nil)
}

// ResizeReserved is Resize drawing the grown bytes from r when r belongs to
// the segment's store. A failed resize puts them back.
func (s *Segment) ResizeReserved(size int, r *Reservation) (Metaversion, error) {
	if s.closed.Load() {
		return Metaversion{}, ErrClosed
	}
	total := int64(headerSize + size)
	if err := validateSize(int64(size)); err != nil {
		return Metaversion{}, err
	}
	if err := validateSize(total); err != nil {
		return Metaversion{}, err
	}
	persisted, err := s.Token()
	if err != nil {
		return Metaversion{}, err
	}

	old := int64(s.mapping.Size())
	grow := total - old
	tracked := s.owner
	reserved := false
	if tracked && grow > 0 {
		reserved = r != nil && r.store == s.store && r.take(grow)
		if !reserved {
			if err := s.store.resources.AcquireMemory(grow); err != nil {
				return persisted, &AllocationError{ID: s.id, Size: total, Err: err}
			}
		}
	}

	if grow > 0 {
		err = s.growTo(old, total)
	} else {
		err = s.shrinkTo(old, total)
	}
	if err != nil {
		switch {
		case reserved:
			r.give(grow)
		case tracked && grow > 0:
			s.store.resources.ReleaseMemory(grow)
		}
		return persisted, &AllocationError{ID: s.id, Size: total, Err: err}
	}
	if tracked {
		if grow < 0 {
			s.store.resources.ReleaseMemory(-grow)
		}
		s.store.trackResize(s.id, total)
	}

	next := persisted
	next.Increment()
	s.storeToken(next)
	s.store.logger.Debug("segment resized", "id", s.id, "from", old, "to", total, "metaversion", next.String())
	return next, nil
}

// Reload recreates the local mapping after another process resized the
// segment.
func (s *Segment) Reload() error {
	if s.closed.Load() {
		return ErrClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < headerSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrEmptySegment, s.id, info.Size())
	}
	return s.remap(info.Size())
}

// growTo extends the file before mapping it. If the new mapping fails the
// file is cut back, leaving the old mapping valid.
func (s *Segment) growTo(old, total int64) error {
	if err := s.file.Truncate(total); err != nil {
		return err
	}
	if err := s.remap(total); err != nil {
		return errors.Join(err, s.file.Truncate(old))
	}
	return nil
}

// shrinkTo maps the smaller size before cutting the file, so no mapping ever
// reaches past the end of the file.
func (s *Segment) shrinkTo(old, total int64) error {
	if err := s.remap(total); err != nil {
		return err
	}
	if err := s.file.Truncate(total); err != nil {
		return errors.Join(err, s.remap(old))
	}
	return nil
}

func (s *Segment) remap(total int64) error {
	old := s.mapping
	if err := s.mapFile(total); err != nil {
		return err
	}
	return old.Close()
}

// Close drops the local mapping. The region itself lives on until the store
// that created it removes it.
func (s *Segment) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return errors.Join(s.mapping.Close(), s.file.Close())
}

// Destroy closes the mapping and, for owners, removes the region.
func (s *Segment) Destroy() error {
	err := s.Close()
	if s.owner {
		err = errors.Join(err, s.store.Remove(s.id))
	}
	return err
}
