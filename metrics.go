package simstate

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/simstate/rtsync"
)

// MetricsObserver is notified of engine events.
// Implement this interface to integrate with monitoring systems like
// Prometheus; see package prom.
type MetricsObserver interface {
	// OnMigration is called after each migration with the number of groups
	// removed and created.
	OnMigration(duration time.Duration, removed, created int, err error)

	// OnSync is called after a sync message reached every runtime. work is
	// the number of segments the runtimes had to read.
	OnSync(kind string, work int, duration time.Duration, err error)

	// OnTask is called after each task with the number of partitions it ran
	// as.
	OnTask(duration time.Duration, parts int, err error)

	// OnSegmentBytes reports the shared memory held by created segments.
	OnSegmentBytes(bytes int64)

	// OnDiagnostic is called once per diagnostic a runtime reported with a
	// task, with the kind's name such as "user_error".
	OnDiagnostic(kind string)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnMigration(time.Duration, int, int, error) {}
func (NoopMetricsObserver) OnSync(string, int, time.Duration, error)   {}
func (NoopMetricsObserver) OnTask(time.Duration, int, error)           {}
func (NoopMetricsObserver) OnSegmentBytes(int64)                       {}
func (NoopMetricsObserver) OnDiagnostic(string)                        {}

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsObserver struct {
	Migrations       atomic.Int64
	MigrationErrors  atomic.Int64
	GroupsRemoved    atomic.Int64
	GroupsCreated    atomic.Int64
	Syncs            atomic.Int64
	SyncErrors       atomic.Int64
	SegmentsRead     atomic.Int64
	Tasks            atomic.Int64
	TaskErrors       atomic.Int64
	TaskParts        atomic.Int64
	TaskTotalNanos   atomic.Int64
	SegmentBytes     atomic.Int64
	SegmentBytesPeak atomic.Int64
	RunnerWarnings   atomic.Int64
	RunnerLogs       atomic.Int64
	UserWarnings     atomic.Int64
	UserErrors       atomic.Int64
}

// OnMigration implements MetricsObserver.
func (b *BasicMetricsObserver) OnMigration(_ time.Duration, removed, created int, err error) {
	b.Migrations.Add(1)
	if err != nil {
		b.MigrationErrors.Add(1)
		return
	}
	b.GroupsRemoved.Add(int64(removed))
	b.GroupsCreated.Add(int64(created))
}

// OnSync implements MetricsObserver.
func (b *BasicMetricsObserver) OnSync(_ string, work int, _ time.Duration, err error) {
	b.Syncs.Add(1)
	b.SegmentsRead.Add(int64(work))
	if err != nil {
		b.SyncErrors.Add(1)
	}
}

// OnTask implements MetricsObserver.
func (b *BasicMetricsObserver) OnTask(duration time.Duration, parts int, err error) {
	b.Tasks.Add(1)
	b.TaskParts.Add(int64(parts))
	b.TaskTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.TaskErrors.Add(1)
	}
}

// OnSegmentBytes implements MetricsObserver.
func (b *BasicMetricsObserver) OnSegmentBytes(bytes int64) {
	b.SegmentBytes.Store(bytes)
	for {
		peak := b.SegmentBytesPeak.Load()
		if bytes <= peak || b.SegmentBytesPeak.CompareAndSwap(peak, bytes) {
			return
		}
	}
}

// OnDiagnostic implements MetricsObserver.
func (b *BasicMetricsObserver) OnDiagnostic(kind string) {
	switch kind {
	case rtsync.RunnerWarning.String():
		b.RunnerWarnings.Add(1)
	case rtsync.RunnerLog.String():
		b.RunnerLogs.Add(1)
	case rtsync.UserWarning.String():
		b.UserWarnings.Add(1)
	case rtsync.UserError.String():
		b.UserErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	s := BasicMetricsStats{
		Migrations:       b.Migrations.Load(),
		MigrationErrors:  b.MigrationErrors.Load(),
		GroupsRemoved:    b.GroupsRemoved.Load(),
		GroupsCreated:    b.GroupsCreated.Load(),
		Syncs:            b.Syncs.Load(),
		SyncErrors:       b.SyncErrors.Load(),
		SegmentsRead:     b.SegmentsRead.Load(),
		Tasks:            b.Tasks.Load(),
		TaskErrors:       b.TaskErrors.Load(),
		TaskParts:        b.TaskParts.Load(),
		SegmentBytes:     b.SegmentBytes.Load(),
		SegmentBytesPeak: b.SegmentBytesPeak.Load(),
		RunnerWarnings:   b.RunnerWarnings.Load(),
		RunnerLogs:       b.RunnerLogs.Load(),
		UserWarnings:     b.UserWarnings.Load(),
		UserErrors:       b.UserErrors.Load(),
	}
	if s.Tasks > 0 {
		s.TaskAvgNanos = b.TaskTotalNanos.Load() / s.Tasks
	}
	return s
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	Migrations       int64
	MigrationErrors  int64
	GroupsRemoved    int64
	GroupsCreated    int64
	Syncs            int64
	SyncErrors       int64
	SegmentsRead     int64
	Tasks            int64
	TaskErrors       int64
	TaskParts        int64
	TaskAvgNanos     int64
	SegmentBytes     int64
	SegmentBytesPeak int64
	RunnerWarnings   int64
	RunnerLogs       int64
	UserWarnings     int64
	UserErrors       int64
}
