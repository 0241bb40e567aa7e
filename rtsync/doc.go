// Package rtsync keeps language runtimes in step with the engine's shared
// state.
//
// The engine never ships column data to a runtime. It sends small messages
// naming segments and the metaversion it committed; each runtime compares
// that token with the one it has loaded and does the least work that makes
// its view current:
//
//   - token unchanged: nothing
//   - batch version moved: re-read the batch header
//   - memory version moved: remap the segment, then re-read
//
// A [Replica] is one runtime's side of an experiment. It takes the
// [ExperimentInit] message and creates a [Session] per simulation run; a
// session moves from Uninitialized to Ready on [NewSimulationRun] and ends on
// [TaskDone] or [Terminate]. Segment mappings are cached per session by a
// [Loader].
//
// Runtimes in another process receive the same messages as length-prefixed
// protobuf frames through a [Codec], with package payloads optionally
// compressed with LZ4 or zstd.
package rtsync
