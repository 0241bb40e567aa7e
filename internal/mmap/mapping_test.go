//go:build unix

package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSegmentFile(t *testing.T, size int) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "shm_test_0"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestMap_SharedWritesVisibleToSecondMapping(t *testing.T) {
	f := newSegmentFile(t, 4096)

	writer, err := Map(f, 4096)
	require.NoError(t, err)
	defer writer.Close()

	other, err := os.OpenFile(f.Name(), os.O_RDWR, 0)
	require.NoError(t, err)
	defer other.Close()
	reader, err := Map(other, 4096)
	require.NoError(t, err)
	defer reader.Close()

	copy(writer.Bytes()[128:], "agents")
	assert.Equal(t, "agents", string(reader.Bytes()[128:134]))

	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "agents", string(data[128:134]))
}

func TestMap_Advise(t *testing.T) {
	f := newSegmentFile(t, 8192)

	m, err := Map(f, 8192)
	require.NoError(t, err)
	assert.Equal(t, 8192, m.Size())
	require.NoError(t, m.Advise(AdviceWillNeed))
	require.NoError(t, m.Advise(AdviceNormal))

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Advise(AdviceWillNeed), ErrClosed)
}

func TestMap_AfterClose(t *testing.T) {
	f := newSegmentFile(t, 16)

	m, err := Map(f, 16)
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	assert.Nil(t, m.Bytes())
}

func TestMap_EmptyAndInvalidSize(t *testing.T) {
	f := newSegmentFile(t, 0)

	m, err := Map(f, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Size())
	assert.Nil(t, m.Bytes())
	require.NoError(t, m.Advise(AdviceWillNeed))
	require.NoError(t, m.Close())

	_, err = Map(f, -1)
	assert.ErrorIs(t, err, ErrInvalidSize)
}
