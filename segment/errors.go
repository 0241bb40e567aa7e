package segment

import (
	"errors"
	"fmt"
)

var (
	// ErrSegmentNotFound is returned when opening an id that has no backing region.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrEmptySegment is returned when a segment of size zero is requested.
	ErrEmptySegment = errors.New("segment size must be positive")

	// ErrSegmentTooLarge is returned when a segment would exceed MaxSize.
	ErrSegmentTooLarge = errors.New("segment exceeds maximum size")

	// ErrClosed is returned when an operation is attempted on a closed segment.
	ErrClosed = errors.New("segment closed")

	// ErrStaleMapping is returned when committing on top of a metaversion that
	// is older than the persisted one.
	ErrStaleMapping = errors.New("stale segment mapping")

	// ErrInvalidMetaversion is returned for a metaversion with batch < memory.
	ErrInvalidMetaversion = errors.New("invalid metaversion")

	// ErrInvalidID is returned for ids that do not follow the shm_ naming scheme.
	ErrInvalidID = errors.New("invalid segment id")
)

// AllocationError reports a failure to create or grow the region of a segment.
//
// The original underlying error can be accessed via errors.Unwrap.
type AllocationError struct {
	ID   string
	Size int64
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate segment %s (%d bytes): %v", e.ID, e.Size, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }
