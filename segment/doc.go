// Package segment implements shared memory segments and their version tokens.
//
// A segment is a named region of shared memory holding one columnar batch.
// Its id is stable for the logical lifetime of the batch, even across
// resizes, and is the only thing sent between processes to refer to it.
//
// # Consistency
//
// Shared memory has no locking or versioning of its own. Each segment starts
// with a persisted [Metaversion]:
//
//   - Commit increments the batch version after an in-place content change
//   - Resize increments both versions, because every mapping becomes invalid
//
// Holders compare their loaded metaversion with the persisted one to decide
// whether they may keep using their mapping, must reload columns, or must
// remap. A holder must never assume freshness without checking.
//
// # Lifecycle
//
//	store, _ := segment.NewStore(segment.Config{Dir: "/dev/shm"})
//	seg, _ := store.Create(1 << 20)   // owner
//	other, _ := store.Open(seg.ID())  // second mapping, e.g. in a worker
//	...
//	store.Cleanup()                   // removes everything of this experiment
package segment
