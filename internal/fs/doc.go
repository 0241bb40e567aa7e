// Package fs provides filesystem abstractions for segment backing files.
//
// The package defines two key interfaces:
//
//   - [File]: an open backing file that can be truncated and memory mapped
//   - [FileSystem]: the directory operations used to create, open and clean up segments
//
// # Implementations
//
//   - [LocalFS]: Production implementation using standard os package
//   - [FaultyFS]: Test utility for fault injection (simulate allocation failures)
//
// # Usage
//
// Production code should use fs.Default (which is [LocalFS]):
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
//
// Tests can inject [FaultyFS] to make segment creation or resizing fail:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("shm_run_7", fs.Fault{FailOnOpen: true})
//	// inject ffs into the segment store under test
//
// # Design Notes
//
// This package intentionally does NOT include context.Context parameters.
// Operations on tmpfs complete in microseconds and are not interruptible at
// the syscall level.
package fs
