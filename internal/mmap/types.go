package mmap

import (
	"errors"
	"math"
)

// maxMappingSize bounds a single mapping. Column offsets inside a segment are
// 32-bit, so larger mappings could not be addressed anyway.
const maxMappingSize = math.MaxInt32

// Advice is a paging hint for a mapping.
type Advice int

const (
	// AdviceNormal drops earlier hints.
	AdviceNormal Advice = iota
	// AdviceWillNeed asks the kernel to fault the segment in ahead of the
	// first read. Runtimes give it right after mapping a segment they were
	// told to sync.
	AdviceWillNeed
)

var (
	// ErrClosed is returned when attempting to access a closed mapping.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrInvalidSize is returned for negative sizes and sizes past
	// maxMappingSize.
	ErrInvalidSize = errors.New("mmap: invalid size")
	// ErrUnsupported is returned by Map on platforms without shared file
	// mappings.
	ErrUnsupported = errors.New("mmap: shared mappings are not supported on this platform")
)
