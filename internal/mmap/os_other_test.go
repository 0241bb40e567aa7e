//go:build !unix

package mmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_Unsupported(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "shm_test_0"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(4096))

	_, err = Map(f, 4096)
	assert.ErrorIs(t, err, ErrUnsupported)

	m, err := Map(f, 0)
	require.NoError(t, err)
	assert.NoError(t, m.Close())
}
