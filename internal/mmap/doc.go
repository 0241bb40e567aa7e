// Package mmap provides shared memory mappings over segment backing files.
//
// # Overview
//
// Every segment of agent or message state lives in a file below the segment
// directory (tmpfs at /dev/shm by default). Processes that want to read or
// write a segment map the whole file with MAP_SHARED, so a store performed by
// one process is visible to every other process that has the same file mapped.
//
// # Usage
//
//	m, err := mmap.Map(f, size)
//	if err != nil { ... }
//	defer m.Close()
//
//	data := m.Bytes() // shared with every other mapping of the file
//	_ = m.Advise(mmap.AdviceWillNeed)
//
// # Thread Safety
//
// Close is idempotent and may race with Bytes. Callers must ensure no
// goroutine touches the slice returned by Bytes after Close returns.
//
// A mapping never follows a resize of the backing file performed by another
// process. Holders detect such resizes through the segment metaversion and
// create a fresh mapping.
package mmap
