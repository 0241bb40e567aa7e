package rtsync

import "errors"

var (
	// ErrNotInitialized is returned for run messages before the run's
	// NewSimulationRun, or for any run before ExperimentInit.
	ErrNotInitialized = errors.New("sync session not initialized")

	// ErrTerminated is returned for messages to a terminated session.
	ErrTerminated = errors.New("sync session terminated")

	// ErrAlreadyInitialized is returned for a repeated init message.
	ErrAlreadyInitialized = errors.New("sync session already initialized")

	// ErrUnknownMessage is returned for message variants a handler does not
	// know, including nil.
	ErrUnknownMessage = errors.New("unknown sync message")

	// ErrCorruptFrame is returned when a wire frame cannot be decoded.
	ErrCorruptFrame = errors.New("corrupt sync frame")

	// ErrPoolMismatch is returned when a state sync has a different number of
	// agent and message refs, or group indices that do not match them.
	ErrPoolMismatch = errors.New("agent and message refs do not match")
)
