package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when memory limit would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for shared memory held by segments
	// created in this process. If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxParallelism is the maximum number of batches processed concurrently
	// by migrations and native task execution. If 0, defaults to 1.
	MaxParallelism int64

	// CopyBytesPerSec limits how fast segment contents are relocated during
	// resizes. If 0, unlimited.
	CopyBytesPerSec int64
}

// Controller manages global resources (memory, concurrency, copy bandwidth).
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Concurrency
	workerSem *semaphore.Weighted

	// Copy
	copyLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = 1
	}

	c := &Controller{
		cfg:       cfg,
		workerSem: semaphore.NewWeighted(cfg.MaxParallelism),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.CopyBytesPerSec > 0 {
		c.copyLimiter = rate.NewLimiter(rate.Limit(cfg.CopyBytesPerSec), int(cfg.CopyBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve memory for a segment.
// Returns ErrMemoryLimitExceeded if limit would be exceeded.
// Non-blocking - a failed reservation aborts the allocation in progress.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil {
		return nil
	}
	if bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil {
		return
	}
	if bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// Parallelism returns the configured number of worker slots.
func (c *Controller) Parallelism() int {
	if c == nil {
		return 1
	}
	return int(c.cfg.MaxParallelism)
}

// AcquireWorker reserves a worker slot, waiting while all slots are busy.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workerSem.Acquire(ctx, 1)
}

// ReleaseWorker releases a worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workerSem.Release(1)
}

// Copy copies src into dst in chunks no larger than the limiter burst,
// waiting for copy tokens before each chunk. It returns the number of bytes
// copied, which is min(len(dst), len(src)) unless ctx is cancelled.
func (c *Controller) Copy(ctx context.Context, dst, src []byte) (int, error) {
	n := min(len(dst), len(src))
	if c == nil || c.copyLimiter == nil {
		return copy(dst[:n], src[:n]), nil
	}

	chunk := c.copyLimiter.Burst()
	done := 0
	for done < n {
		size := min(chunk, n-done)
		if err := c.copyLimiter.WaitN(ctx, size); err != nil {
			return done, err
		}
		done += copy(dst[done:done+size], src[done:done+size])
	}
	return done, nil
}
