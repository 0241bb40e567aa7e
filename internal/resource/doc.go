// Package resource implements the Controller for global limits and governance.
//
// The Controller provides centralized management of three resource types:
//
//   - Memory: Track and limit shared memory held by segments (non-blocking, fail-fast)
//   - Concurrency: Limit how many batches are processed in parallel
//   - Copy: Rate-limit segment relocation during resizes
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                        Controller                           │
//	├─────────────────┬─────────────────┬─────────────────────────┤
//	│  Memory Limit   │  Worker Slots   │  Copy Rate Limiter      │
//	│  (fail-fast)    │  (semaphore)    │  (token bucket)         │
//	├─────────────────┼─────────────────┼─────────────────────────┤
//	│  AcquireMemory  │  AcquireWorker  │  Copy                   │
//	│  ReleaseMemory  │  ReleaseWorker  │                         │
//	│  MemoryUsage    │  Parallelism    │                         │
//	└─────────────────┴─────────────────┴─────────────────────────┘
//
// # Memory Management
//
// Segment creation and growth reserve their byte size up front. A failed
// reservation is reported immediately with ErrMemoryLimitExceeded so that a
// migration can abort before it has changed any pool:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 1 << 30, // 1GB limit
//	})
//
//	if err := rc.AcquireMemory(size); err != nil {
//	    // ErrMemoryLimitExceeded - allocation fails, caller retries the step
//	}
//	defer rc.ReleaseMemory(size)
//
// # Nil Safety
//
// All methods handle nil Controller gracefully - they become no-ops.
// This allows optional resource limiting without nil checks everywhere.
package resource
