package batch

import "errors"

var (
	// ErrLockUnavailable is returned when a proxy cannot be acquired, either
	// immediately (Try*) or before the context expires.
	ErrLockUnavailable = errors.New("batch lock unavailable")

	// ErrProxyReleased is returned when a released proxy is used.
	ErrProxyReleased = errors.New("proxy already released")

	// ErrReclaimed is returned when acquiring a proxy on a reclaimed batch.
	ErrReclaimed = errors.New("batch reclaimed")

	// ErrBorrowed is returned by Reclaim while proxies are outstanding.
	ErrBorrowed = errors.New("batch still borrowed")

	// ErrNotLoaded is returned when the batch's segment has been closed.
	ErrNotLoaded = errors.New("batch not loaded")

	// ErrUnknownColumn is returned for a column name missing from the schema.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrRowOutOfRange is returned for a row index >= the row count.
	ErrRowOutOfRange = errors.New("row out of range")

	// ErrTypeMismatch is returned when a column is accessed with the wrong type
	// or a value of the wrong width.
	ErrTypeMismatch = errors.New("column type mismatch")

	// ErrStaleBatch is returned when reading a batch whose persisted
	// metaversion is newer than the loaded one. Reload first.
	ErrStaleBatch = errors.New("stale batch")

	// ErrCorruptHeader is returned when opening a segment whose batch header
	// does not fit its payload.
	ErrCorruptHeader = errors.New("corrupt batch header")
)
