package pool

import (
	"errors"

	"github.com/hupe1980/simstate/batch"
)

var (
	// ErrLengthMismatch is returned when the agent and message pools of a
	// state differ in length.
	ErrLengthMismatch = errors.New("agent and message pools differ in length")

	// ErrBatchBorrowed is returned when removing a batch that still has
	// outstanding proxies.
	ErrBatchBorrowed = batch.ErrBorrowed

	// ErrIndexOutOfRange is returned for a batch index >= the pool length.
	ErrIndexOutOfRange = errors.New("batch index out of range")

	// ErrOverlappingPartitions is returned when write partitions share a batch.
	ErrOverlappingPartitions = errors.New("partitions overlap")

	// ErrKindMismatch is returned when pushing a batch of the wrong kind.
	ErrKindMismatch = errors.New("batch kind does not match pool")
)
