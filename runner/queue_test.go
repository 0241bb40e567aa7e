package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOAcrossSegments(t *testing.T) {
	q := NewQueue[int]()
	n := 3*queueSegmentSize + 7
	for i := 0; i < n; i++ {
		require.NoError(t, q.Send(i))
	}
	assert.Equal(t, n, q.Len())

	ctx := context.Background()
	for i := 0; i < n; i++ {
		v, err := q.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	_, ok, err := q.TryRecv()
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_RecvBlocksUntilSend(t *testing.T) {
	q := NewQueue[string]()
	got := make(chan string, 1)
	go func() {
		v, err := q.Recv(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("received from empty queue")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, q.Send("hello"))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("value not delivered")
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := NewQueue[int]()
	require.NoError(t, q.Send(1))
	require.NoError(t, q.Send(2))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Send(3), ErrChannelClosed)

	ctx := context.Background()
	v, err := q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = q.Recv(ctx)
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, _, err = q.TryRecv()
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestQueue_CloseWakesReceiver(t *testing.T) {
	q := NewQueue[int]()
	errc := make(chan error, 1)
	go func() {
		_, err := q.Recv(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	assert.ErrorIs(t, <-errc, ErrChannelClosed)
}

func TestQueue_RecvContext(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue[int]()
	const producers, each = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = q.Send(p*each + i)
			}
		}()
	}

	seen := make(map[int]bool, producers*each)
	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	ctx := context.Background()
	for len(seen) < producers*each {
		v, err := q.Recv(ctx)
		require.NoError(t, err)
		p, i := v/each, v%each
		require.Greater(t, i, last[p], "per-producer order")
		last[p] = i
		seen[v] = true
	}
	wg.Wait()
	assert.Zero(t, q.Len())
}
