package testutil

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simstate/batch"
	"github.com/hupe1980/simstate/pool"
	"github.com/hupe1980/simstate/segment"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float64 returns a pseudo-random number in [0,1).
func (r *RNG) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float64()
}

// Bool returns a pseudo-random boolean with probability p of being true.
func (r *RNG) Bool(p float64) bool {
	return r.Float64() < p
}

// AgentSchema is the agent layout used by fixtures: a position and an id.
var AgentSchema = batch.MustSchema(
	batch.Field{Name: "x", Type: batch.Float64},
	batch.Field{Name: "agent_id", Type: batch.Uint64},
)

// MessageSchema is the message layout used by fixtures.
var MessageSchema = batch.MustSchema(
	batch.Field{Name: "to", Type: batch.Uint64},
)

// NewStore returns a segment store below t.TempDir, cleaned up with the test.
func NewStore(t testing.TB) *segment.Store {
	t.Helper()
	s, err := segment.NewStore(segment.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Cleanup() })
	return s
}

// NewState builds a state with one group per entry of rows. Agent ids are
// numbered consecutively across groups, starting at 0, and x equals the id.
func NewState(t testing.TB, store *segment.Store, rows ...int) *pool.State {
	t.Helper()
	st := pool.NewState()
	next := uint64(0)
	for i, n := range rows {
		agents, err := batch.New(store, batch.Agents, AgentSchema, n, batch.WorkerIndex(i))
		require.NoError(t, err)
		ids, err := batch.Values[uint64](agents, "agent_id")
		require.NoError(t, err)
		xs, err := batch.Values[float64](agents, "x")
		require.NoError(t, err)
		for j := range ids {
			ids[j] = next
			xs[j] = float64(next)
			next++
		}
		require.NoError(t, agents.Commit())

		messages, err := batch.New(store, batch.Messages, MessageSchema, n, batch.WorkerIndex(i))
		require.NoError(t, err)
		require.NoError(t, messages.Commit())
		require.NoError(t, st.Push(agents, messages))
	}
	t.Cleanup(func() { _ = st.Close(false) })
	return st
}

// Float64s encodes values as a little-endian float64 column.
func Float64s(values ...float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

// Uint64s encodes values as a little-endian uint64 column.
func Uint64s(values ...uint64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], v)
	}
	return out
}

// AgentIDs returns the agent ids of every group in pool order.
func AgentIDs(t testing.TB, st *pool.State) [][]uint64 {
	t.Helper()
	r, err := st.Agents.TryRead(nil)
	require.NoError(t, err)
	defer r.Release()
	out := make([][]uint64, r.Len())
	for i := range out {
		ids, err := batch.Values[uint64](r.Batch(i), "agent_id")
		require.NoError(t, err)
		out[i] = append([]uint64(nil), ids...)
	}
	return out
}
