package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "segments")
	assert.NoError(t, lfs.MkdirAll(dir, 0o755))

	fpath := filepath.Join(dir, "shm_abc_0")
	f, err := lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(64))

	info, err := f.Stat()
	assert.NoError(t, err)
	assert.Equal(t, int64(64), info.Size())
	assert.NotZero(t, f.Fd())
	assert.Equal(t, fpath, f.Name())

	assert.NoError(t, f.Close())

	// Exclusive create fails on an existing segment.
	_, err = lfs.OpenFile(fpath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
	assert.True(t, os.IsExist(err))

	entries, err := lfs.ReadDir(dir)
	assert.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.NoError(t, lfs.Remove(fpath))
	_, err = lfs.Stat(fpath)
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFS_FailOnOpen(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("shm_bad", Fault{FailOnOpen: true})

	_, err := ffs.OpenFile(filepath.Join(tmp, "shm_bad_0"), os.O_CREATE|os.O_RDWR, 0o600)
	assert.ErrorIs(t, err, ErrInjected)

	f, err := ffs.OpenFile(filepath.Join(tmp, "shm_good_0"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	assert.NoError(t, f.Close())
	assert.Equal(t, 1, ffs.Opened())

	ffs.ClearRules()
	f, err = ffs.OpenFile(filepath.Join(tmp, "shm_bad_0"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	assert.NoError(t, f.Close())
}

func TestFaultyFS_TruncateLimit(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("shm_", Fault{FailAfterBytes: 1024})

	f, err := ffs.OpenFile(filepath.Join(tmp, "shm_x_0"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	assert.NoError(t, f.Truncate(512))
	assert.ErrorIs(t, f.Truncate(4096), ErrInjected)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(512), info.Size())
}

func TestFaultyFS_FailOnClose(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.Default = Fault{FailOnClose: true, FailAfterBytes: -1}

	f, err := ffs.OpenFile(filepath.Join(tmp, "shm_y_0"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Close(), ErrInjected)
}

func TestFaultyFS_FailOnMapAppliesToOpenFiles(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)

	f, err := ffs.OpenFile(filepath.Join(tmp, "shm_z_0"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()
	fd := f.Fd()

	ffs.AddRule("shm_z", Fault{FailOnMap: true, FailAfterBytes: -1})
	assert.Equal(t, ^uintptr(0), f.Fd())
	assert.NoError(t, f.Truncate(64))

	ffs.ClearRules()
	assert.Equal(t, fd, f.Fd())
}
