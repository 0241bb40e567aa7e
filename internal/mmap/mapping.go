package mmap

import (
	"sync/atomic"
)

// Mapping is a read-write MAP_SHARED view of a segment file. Stores through
// Bytes are visible to every process mapping the same file.
type Mapping struct {
	data   []byte
	closed atomic.Bool
}

// Descriptor is anything backed by an open file descriptor, such as *os.File.
type Descriptor interface {
	Fd() uintptr
}

// Map maps the first size bytes of f. The file must already be at least
// size bytes long. The descriptor may be closed once Map returns.
func Map(f Descriptor, size int64) (*Mapping, error) {
	if size < 0 || size > maxMappingSize {
		return nil, ErrInvalidSize
	}
	if size == 0 {
		return &Mapping{}, nil
	}
	data, err := osMap(f, int(size))
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data}, nil
}

// Close unmaps the memory. It is idempotent.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) || m.data == nil {
		return nil
	}
	return osUnmap(m.data)
}

// Bytes returns the mapped memory, or nil once the mapping is closed. The
// slice must not be used after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int { return len(m.data) }

// Advise passes a paging hint to the kernel. Hints are best effort.
func (m *Mapping) Advise(a Advice) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if len(m.data) == 0 {
		return nil
	}
	return osAdvise(m.data, a)
}
