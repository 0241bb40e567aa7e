package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/simstate/batch"
)

// State is the agent pool and the message pool of one simulation run. Index i
// of both pools refers to the same group of agents and their outgoing
// messages, so both pools always have the same length.
type State struct {
	Agents   *Pool
	Messages *Pool
}

// NewState creates an empty state.
func NewState() *State {
	return &State{
		Agents:   New(batch.Agents),
		Messages: New(batch.Messages),
	}
}

// Len returns the number of groups.
func (s *State) Len() int { return s.Agents.Len() }

// NumAgents returns the total number of agents.
func (s *State) NumAgents() int { return s.Agents.NumRows() }

// Validate checks that both pools have the same length.
func (s *State) Validate() error {
	if a, m := s.Agents.Len(), s.Messages.Len(); a != m {
		return fmt.Errorf("%w: %d agent batches, %d message batches", ErrLengthMismatch, a, m)
	}
	return nil
}

// Push appends one group.
func (s *State) Push(agents, messages *batch.Batch) error {
	if agents.Kind() != batch.Agents || messages.Kind() != batch.Messages {
		return fmt.Errorf("%w: push (%s, %s)", ErrKindMismatch, agents.Kind(), messages.Kind())
	}
	if _, err := s.Agents.Push(agents); err != nil {
		return err
	}
	_, err := s.Messages.Push(messages)
	return err
}

// SwapRemove reclaims group i from both pools and moves the last group into
// its place. Either both batches are reclaimed or neither is: if one of them
// is borrowed the state is unchanged and ErrBatchBorrowed is returned.
func (s *State) SwapRemove(i int) (agents, messages *batch.Batch, err error) {
	s.Agents.mu.Lock()
	defer s.Agents.mu.Unlock()
	s.Messages.mu.Lock()
	defer s.Messages.mu.Unlock()

	n := len(s.Agents.batches)
	if n != len(s.Messages.batches) {
		return nil, nil, fmt.Errorf("%w: %d agent batches, %d message batches", ErrLengthMismatch, n, len(s.Messages.batches))
	}
	if i < 0 || i >= n {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, n)
	}

	wa, err := batch.TryWrite(s.Agents.batches[i])
	if err != nil {
		return nil, nil, borrowed(i, err)
	}
	wm, err := batch.TryWrite(s.Messages.batches[i])
	if err != nil {
		wa.Release()
		return nil, nil, borrowed(i, err)
	}
	if agents, err = wa.Reclaim(); err != nil {
		return nil, nil, err
	}
	if messages, err = wm.Reclaim(); err != nil {
		return nil, nil, err
	}
	s.Agents.swapRemoveLocked(i)
	s.Messages.swapRemoveLocked(i)
	return agents, messages, nil
}

// RemoveHeld reclaims group i through the single-group write proxy w the
// caller already holds, and swap-removes it. w is consumed.
func (s *State) RemoveHeld(i int, w *StateWriteProxy) (agents, messages *batch.Batch, err error) {
	if w.Agents.Len() != 1 || w.Messages.Len() != 1 {
		return nil, nil, fmt.Errorf("%w: proxy covers %d groups", ErrIndexOutOfRange, w.Len())
	}
	s.Agents.mu.Lock()
	defer s.Agents.mu.Unlock()
	s.Messages.mu.Lock()
	defer s.Messages.mu.Unlock()

	n := len(s.Agents.batches)
	if i < 0 || i >= n || i >= len(s.Messages.batches) {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, n)
	}
	wa, wm := w.Agents.proxies[0], w.Messages.proxies[0]
	if wa.Shared() != s.Agents.batches[i] || wm.Shared() != s.Messages.batches[i] {
		return nil, nil, fmt.Errorf("%w: proxy does not cover group %d", ErrIndexOutOfRange, i)
	}
	if agents, err = wa.Reclaim(); err != nil {
		return nil, nil, err
	}
	if messages, err = wm.Reclaim(); err != nil {
		return nil, nil, err
	}
	s.Agents.swapRemoveLocked(i)
	s.Messages.swapRemoveLocked(i)
	return agents, messages, nil
}

func borrowed(i int, err error) error {
	if errors.Is(err, batch.ErrLockUnavailable) {
		return fmt.Errorf("remove group %d: %w", i, ErrBatchBorrowed)
	}
	return fmt.Errorf("remove group %d: %w", i, err)
}

// Close closes both pools. With destroy set, owned segments are removed.
func (s *State) Close(destroy bool) error {
	return errors.Join(s.Agents.Close(destroy), s.Messages.Close(destroy))
}

// StateReadProxy is shared access to the same groups of both pools.
type StateReadProxy struct {
	Agents   *ReadProxy
	Messages *ReadProxy
}

// StateWriteProxy is exclusive access to the same groups of both pools.
type StateWriteProxy struct {
	Agents   *WriteProxy
	Messages *WriteProxy
}

// Read acquires shared access to the groups in set (nil for all). The agent
// pool is always acquired before the message pool.
func (s *State) Read(ctx context.Context, set *roaring.Bitmap) (*StateReadProxy, error) {
	a, err := s.Agents.Read(ctx, set)
	if err != nil {
		return nil, err
	}
	m, err := s.Messages.Read(ctx, set)
	if err != nil {
		a.Release()
		return nil, err
	}
	return &StateReadProxy{Agents: a, Messages: m}, nil
}

// Write acquires exclusive access to the groups in set (nil for all).
func (s *State) Write(ctx context.Context, set *roaring.Bitmap) (*StateWriteProxy, error) {
	a, err := s.Agents.Write(ctx, set)
	if err != nil {
		return nil, err
	}
	m, err := s.Messages.Write(ctx, set)
	if err != nil {
		a.Release()
		return nil, err
	}
	return &StateWriteProxy{Agents: a, Messages: m}, nil
}

// TryWrite is like Write but never waits.
func (s *State) TryWrite(set *roaring.Bitmap) (*StateWriteProxy, error) {
	a, err := s.Agents.TryWrite(set)
	if err != nil {
		return nil, err
	}
	m, err := s.Messages.TryWrite(set)
	if err != nil {
		a.Release()
		return nil, err
	}
	return &StateWriteProxy{Agents: a, Messages: m}, nil
}

// Len returns the number of groups covered.
func (r *StateReadProxy) Len() int { return r.Agents.Len() }

// Release releases both pools.
func (r *StateReadProxy) Release() {
	r.Agents.Release()
	r.Messages.Release()
}

// Len returns the number of groups covered.
func (w *StateWriteProxy) Len() int { return w.Agents.Len() }

// Commit commits every covered batch of both pools.
func (w *StateWriteProxy) Commit() error {
	if err := w.Agents.Commit(); err != nil {
		return err
	}
	return w.Messages.Commit()
}

// Downgrade converts both pools to read access without an unlocked window.
func (w *StateWriteProxy) Downgrade() (*StateReadProxy, error) {
	a, err := w.Agents.Downgrade()
	if err != nil {
		w.Messages.Release()
		return nil, err
	}
	m, err := w.Messages.Downgrade()
	if err != nil {
		a.Release()
		return nil, err
	}
	return &StateReadProxy{Agents: a, Messages: m}, nil
}

// SplitPerGroup splits w into one proxy per group.
func (w *StateWriteProxy) SplitPerGroup() []*StateWriteProxy {
	agents := w.Agents.SplitPerGroup()
	messages := w.Messages.SplitPerGroup()
	out := make([]*StateWriteProxy, len(agents))
	for i := range agents {
		out[i] = &StateWriteProxy{Agents: agents[i], Messages: messages[i]}
	}
	return out
}

// Release releases both pools.
func (w *StateWriteProxy) Release() {
	w.Agents.Release()
	w.Messages.Release()
}
