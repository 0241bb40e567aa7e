package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShared(t *testing.T) *Shared {
	t.Helper()
	return NewShared(newTestBatch(t, newTestStore(t), 4))
}

func TestProxy_ReadersCoexist(t *testing.T) {
	s := newTestShared(t)
	ctx := context.Background()

	r1, err := NewReadProxy(ctx, s)
	require.NoError(t, err)
	r2, err := TryRead(s)
	require.NoError(t, err)
	assert.Same(t, r1.Batch(), r2.Batch())

	_, err = TryWrite(s)
	assert.ErrorIs(t, err, ErrLockUnavailable)

	r1.Release()
	r2.Release()
	assert.False(t, s.Borrowed())

	w, err := TryWrite(s)
	require.NoError(t, err)
	defer w.Release()

	_, err = TryRead(s)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestProxy_BoundedWait(t *testing.T) {
	s := newTestShared(t)

	r, err := TryRead(s)
	require.NoError(t, err)
	defer r.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = NewWriteProxy(ctx, s)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProxy_WriterWaitsForReaders(t *testing.T) {
	s := newTestShared(t)

	r, err := TryRead(s)
	require.NoError(t, err)

	acquired := make(chan *WriteProxy)
	go func() {
		w, err := NewWriteProxy(context.Background(), s)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- w
	}()

	select {
	case <-acquired:
		t.Fatal("writer acquired while a reader was outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	r.Release()

	select {
	case w, ok := <-acquired:
		require.True(t, ok)
		require.NotNil(t, w)
		w.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("writer never acquired")
	}
}

func TestProxy_ReleaseIdempotent(t *testing.T) {
	s := newTestShared(t)

	r1, err := TryRead(s)
	require.NoError(t, err)
	r2, err := TryRead(s)
	require.NoError(t, err)

	r1.Release()
	r1.Release()
	assert.True(t, s.Borrowed(), "second release must not drop another proxy's share")
	assert.Nil(t, r1.Batch())

	r2.Release()
	assert.False(t, s.Borrowed())
}

func TestProxy_Downgrade(t *testing.T) {
	s := newTestShared(t)
	ctx := context.Background()

	w, err := NewWriteProxy(ctx, s)
	require.NoError(t, err)

	xs, err := Values[float64](w.Batch(), "x")
	require.NoError(t, err)
	copy(xs, []float64{1, 2, 3, 42})
	require.NoError(t, w.Batch().Commit())
	committed := w.Batch().Metaversion()

	// A reader blocked on the writer is woken by the downgrade.
	var wg sync.WaitGroup
	var seen []float64
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := NewReadProxy(ctx, s)
		if err != nil {
			return
		}
		defer r.Release()
		v, _ := Values[float64](r.Batch(), "x")
		seen = append([]float64(nil), v...)
	}()

	r, err := w.Downgrade()
	require.NoError(t, err)
	assert.Nil(t, w.Batch())

	_, err = w.Downgrade()
	assert.ErrorIs(t, err, ErrProxyReleased)
	w.Release() // no-op after downgrade

	got, err := Values[float64](r.Batch(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 42}, got)
	assert.Equal(t, committed, r.Batch().Metaversion())

	_, err = TryWrite(s)
	assert.ErrorIs(t, err, ErrLockUnavailable, "downgraded reader still excludes writers")

	wg.Wait()
	assert.Equal(t, []float64{1, 2, 3, 42}, seen)

	r.Release()
	assert.False(t, s.Borrowed())
}

func TestShared_Reclaim(t *testing.T) {
	s := newTestShared(t)

	r, err := TryRead(s)
	require.NoError(t, err)

	_, err = s.Reclaim()
	assert.ErrorIs(t, err, ErrBorrowed)

	r.Release()
	b, err := s.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, s.ID(), b.ID())

	_, err = TryRead(s)
	assert.ErrorIs(t, err, ErrReclaimed)
	_, err = NewWriteProxy(context.Background(), s)
	assert.ErrorIs(t, err, ErrReclaimed)
}
