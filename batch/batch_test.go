package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simstate/segment"
)

var testSchema = MustSchema(
	Field{Name: "x", Type: Float64},
	Field{Name: "id", Type: Uint64},
	Field{Name: "alive", Type: Bool},
	Field{Name: "tag", Type: FixedBytes, Width: 4},
)

func newTestStore(t *testing.T) *segment.Store {
	t.Helper()
	s, err := segment.NewStore(segment.Config{Dir: t.TempDir(), Base: "batchtest"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Cleanup() })
	return s
}

func newTestBatch(t *testing.T, store *segment.Store, rows int) *Batch {
	t.Helper()
	b, err := New(store, Agents, testSchema, rows, 0)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSchema(t *testing.T) {
	t.Run("payload size", func(t *testing.T) {
		// header 8 + x 24 + id 24 + alive 8 (3 padded) + tag 16 (12 padded)
		assert.Equal(t, 80, testSchema.PayloadSize(3))
		assert.Equal(t, 8, testSchema.PayloadSize(0))
	})

	t.Run("lookup", func(t *testing.T) {
		i, f, ok := testSchema.Lookup("alive")
		require.True(t, ok)
		assert.Equal(t, 2, i)
		assert.Equal(t, Bool, f.Type)

		_, _, ok = testSchema.Lookup("missing")
		assert.False(t, ok)
	})

	tests := []struct {
		name   string
		fields []Field
	}{
		{"empty name", []Field{{Type: Int32}}},
		{"duplicate", []Field{{Name: "a", Type: Int32}, {Name: "a", Type: Int64}}},
		{"zero width bytes", []Field{{Name: "b", Type: FixedBytes}}},
		{"unknown type", []Field{{Name: "c", Type: DataType(99)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.fields...)
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestBatch_ColumnsAndCommit(t *testing.T) {
	store := newTestStore(t)
	b := newTestBatch(t, store, 3)

	assert.Equal(t, Agents, b.Kind())
	assert.Equal(t, 3, b.Rows())
	assert.Equal(t, WorkerIndex(0), b.Affinity())

	xs, err := Values[float64](b, "x")
	require.NoError(t, err)
	require.Len(t, xs, 3)
	copy(xs, []float64{1.5, 2.5, 3.5})

	ids, err := Values[uint64](b, "id")
	require.NoError(t, err)
	copy(ids, []uint64{10, 11, 12})

	require.NoError(t, b.Commit())
	assert.Equal(t, segment.Metaversion{Memory: 0, Batch: 1}, b.Metaversion())

	other, err := Open(store, b.ID(), Agents, testSchema)
	require.NoError(t, err)
	defer other.Close()

	assert.Equal(t, 3, other.Rows())
	assert.Equal(t, NoAffinity, other.Affinity())
	otherXs, err := Values[float64](other, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, otherXs)
	otherIDs, err := Values[uint64](other, "id")
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 11, 12}, otherIDs)
}

func TestBatch_Errors(t *testing.T) {
	b := newTestBatch(t, newTestStore(t), 2)

	_, err := Values[int64](b, "x")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = b.Column("missing")
	assert.ErrorIs(t, err, ErrUnknownColumn)

	err = b.SetColumn("x", make([]byte, 8))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = b.ReadRow(2)
	assert.ErrorIs(t, err, ErrRowOutOfRange)

	err = b.WriteRow(0, Row{{1}})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestBatch_ReadWriteRow(t *testing.T) {
	b := newTestBatch(t, newTestStore(t), 2)

	row := Row{
		{0, 0, 0, 0, 0, 0, 0xf0, 0x3f}, // 1.0
		{7, 0, 0, 0, 0, 0, 0, 0},
		{1},
		[]byte("abcd"),
	}
	require.NoError(t, b.WriteRow(1, row))

	got, err := b.ReadRow(1)
	require.NoError(t, err)
	assert.Equal(t, row, got)

	xs, err := Values[float64](b, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, xs)

	tags, err := b.Column("tag")
	require.NoError(t, err)
	assert.Equal(t, "\x00\x00\x00\x00abcd", string(tags))

	require.NoError(t, b.SetColumn("alive", []byte{1, 1}))
	alive, err := b.Column("alive")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 1}, alive)
}

func TestBatch_MetaversionMonotonic(t *testing.T) {
	b := newTestBatch(t, newTestStore(t), 1)

	prev := b.Metaversion()
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Commit())
		cur := b.Metaversion()
		assert.True(t, cur.NewerThan(prev))
		assert.Equal(t, prev.Memory, cur.Memory)
		prev = cur
	}

	require.NoError(t, b.Resize(context.Background(), 10, nil))
	cur := b.Metaversion()
	assert.Greater(t, cur.Memory, prev.Memory)
	assert.True(t, cur.NewerThan(prev))
}

func TestBatch_ResizeWithinCapacity(t *testing.T) {
	b := newTestBatch(t, newTestStore(t), 3)
	ctx := context.Background()

	xs, err := Values[float64](b, "x")
	require.NoError(t, err)
	copy(xs, []float64{1, 2, 3})
	before := b.Metaversion()

	require.NoError(t, b.Resize(ctx, 2, nil))
	assert.Equal(t, 2, b.Rows())
	assert.Equal(t, 3, b.Capacity())

	require.NoError(t, b.Resize(ctx, 3, nil))
	xs, err = Values[float64](b, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 0}, xs, "regrown rows are zeroed")
	assert.Equal(t, before, b.Metaversion(), "resizing within capacity does not commit")
}

func TestBatch_ResizeRelayout(t *testing.T) {
	b := newTestBatch(t, newTestStore(t), 3)

	xs, err := Values[float64](b, "x")
	require.NoError(t, err)
	copy(xs, []float64{1, 2, 3})
	ids, err := Values[uint64](b, "id")
	require.NoError(t, err)
	copy(ids, []uint64{4, 5, 6})

	require.NoError(t, b.Resize(context.Background(), 5, nil))
	assert.Equal(t, 5, b.Rows())
	assert.Equal(t, 5, b.Capacity())
	assert.Equal(t, segment.Metaversion{Memory: 1, Batch: 2}, b.Metaversion())

	xs, err = Values[float64](b, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 0, 0}, xs)
	ids, err = Values[uint64](b, "id")
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5, 6, 0, 0}, ids)
}

func TestBatch_Reload(t *testing.T) {
	store := newTestStore(t)
	b := newTestBatch(t, store, 2)

	other, err := Open(store, b.ID(), Agents, testSchema)
	require.NoError(t, err)
	defer other.Close()

	refresh, err := other.Reload()
	require.NoError(t, err)
	assert.Equal(t, Unchanged, refresh)

	xs, err := Values[float64](b, "x")
	require.NoError(t, err)
	xs[1] = 9
	require.NoError(t, b.Commit())

	_, err = other.Column("x")
	assert.ErrorIs(t, err, ErrStaleBatch)

	refresh, err = other.Reload()
	require.NoError(t, err)
	assert.Equal(t, Reloaded, refresh)
	otherXs, err := Values[float64](other, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 9}, otherXs)

	require.NoError(t, b.Resize(context.Background(), 8, nil))

	refresh, err = other.Reload()
	require.NoError(t, err)
	assert.Equal(t, Remapped, refresh)
	assert.Equal(t, 8, other.Rows())
	assert.Equal(t, b.Metaversion(), other.Metaversion())
	otherXs, err = Values[float64](other, "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 9, 0, 0, 0, 0, 0, 0}, otherXs)

	refresh, err = other.Reload()
	require.NoError(t, err)
	assert.Equal(t, Unchanged, refresh)
}

func TestBatch_StaleCommit(t *testing.T) {
	store := newTestStore(t)
	b := newTestBatch(t, store, 1)

	other, err := Open(store, b.ID(), Agents, testSchema)
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, b.Commit())
	assert.ErrorIs(t, other.Commit(), segment.ErrStaleMapping)
}
