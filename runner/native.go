package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/simstate/rtsync"
	"github.com/hupe1980/simstate/segment"
)

// Behavior is Go code run for one package.
type Behavior func(ctx context.Context, j *Job) ([]byte, error)

// NativeRuntime executes registered behaviors on the batches of a job. It
// keeps a replica of the runtime-side sync state so it sees the same
// messages an external runtime would.
type NativeRuntime struct {
	replica *rtsync.Replica

	mu        sync.RWMutex
	behaviors map[uint64]Behavior
}

// NewNativeRuntime creates a native runtime opening segments through store.
func NewNativeRuntime(store *segment.Store, logger *slog.Logger) *NativeRuntime {
	return &NativeRuntime{
		replica:   rtsync.NewReplica(store, logger),
		behaviors: make(map[uint64]Behavior),
	}
}

// Register sets the behavior of a package.
func (r *NativeRuntime) Register(packageID uint64, b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[packageID] = b
}

// Replica returns the runtime's sync state.
func (r *NativeRuntime) Replica() *rtsync.Replica { return r.replica }

func (r *NativeRuntime) Kind() Kind { return Native }

func (r *NativeRuntime) Sync(_ context.Context, m rtsync.Message) (rtsync.Outcome, error) {
	return r.replica.Handle(m)
}

func (r *NativeRuntime) Exec(ctx context.Context, j *Job) ([]byte, error) {
	r.mu.RLock()
	b, ok := r.behaviors[j.PackageID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPackage, j.PackageID)
	}
	return b(ctx, j)
}

func (r *NativeRuntime) Close() error { return r.replica.Close() }
