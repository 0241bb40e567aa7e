package segment

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/simstate/internal/fs"
	"github.com/hupe1980/simstate/internal/resource"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Cleanup() })
	return s
}

func TestStore_CreateOpen(t *testing.T) {
	s := newTestStore(t, Config{Base: "exp1"})

	seg, err := s.Create(128)
	require.NoError(t, err)
	defer seg.Close()

	assert.Equal(t, "shm_exp1_0", seg.ID())
	assert.True(t, seg.Owner())
	assert.Equal(t, 128, seg.Size())

	tok, err := seg.Token()
	require.NoError(t, err)
	assert.Equal(t, Metaversion{}, tok)

	copy(seg.Payload(), "hello")
	require.NoError(t, seg.SetDataLength(5))
	_, err = seg.Commit(tok)
	require.NoError(t, err)

	other, err := s.Open(seg.ID())
	require.NoError(t, err)
	defer other.Close()

	assert.False(t, other.Owner())
	assert.Equal(t, "hello", string(other.Payload()[:other.DataLength()]))
	otherTok, err := other.Token()
	require.NoError(t, err)
	assert.Equal(t, Metaversion{Memory: 0, Batch: 1}, otherTok)
}

func TestStore_OpenUnknown(t *testing.T) {
	s := newTestStore(t, Config{})

	_, err := s.Open("shm_missing_0")
	assert.ErrorIs(t, err, ErrSegmentNotFound)

	_, err = s.Open("../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestStore_InvalidSize(t *testing.T) {
	s := newTestStore(t, Config{})

	_, err := s.Create(0)
	assert.ErrorIs(t, err, ErrEmptySegment)

	_, err = s.Create(MaxSize)
	assert.ErrorIs(t, err, ErrSegmentTooLarge)
}

func TestSegment_CommitMonotonic(t *testing.T) {
	s := newTestStore(t, Config{})
	seg, err := s.Create(64)
	require.NoError(t, err)
	defer seg.Close()

	loaded, err := seg.Token()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		next, err := seg.Commit(loaded)
		require.NoError(t, err)
		assert.Greater(t, next.Batch, loaded.Batch)
		assert.Equal(t, loaded.Memory, next.Memory)
		loaded = next
	}
}

func TestSegment_CommitStale(t *testing.T) {
	s := newTestStore(t, Config{})
	seg, err := s.Create(64)
	require.NoError(t, err)
	defer seg.Close()

	stale, err := seg.Token()
	require.NoError(t, err)
	_, err = seg.Commit(stale)
	require.NoError(t, err)

	_, err = seg.Commit(stale)
	assert.ErrorIs(t, err, ErrStaleMapping)
}

func TestSegment_ResizeBumpsMemoryVersion(t *testing.T) {
	s := newTestStore(t, Config{})
	seg, err := s.Create(64)
	require.NoError(t, err)
	defer seg.Close()

	copy(seg.Payload(), "persist")
	before, err := seg.Token()
	require.NoError(t, err)

	after, err := seg.Resize(4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, seg.Size())
	assert.Greater(t, after.Memory, before.Memory)
	assert.Greater(t, after.Batch, before.Batch)
	assert.Equal(t, "persist", string(seg.Payload()[:7]))

	shrunk, err := seg.Resize(32)
	require.NoError(t, err)
	assert.Greater(t, shrunk.Memory, after.Memory)
	assert.Equal(t, "persist", string(seg.Payload()[:7]))
}

func TestSegment_ReloadAfterForeignResize(t *testing.T) {
	s := newTestStore(t, Config{})
	seg, err := s.Create(64)
	require.NoError(t, err)
	defer seg.Close()

	reader, err := s.Open(seg.ID())
	require.NoError(t, err)
	defer reader.Close()

	loaded, err := reader.Token()
	require.NoError(t, err)

	_, err = seg.Resize(1024)
	require.NoError(t, err)

	// The header stays readable through the stale mapping.
	persisted, err := reader.Token()
	require.NoError(t, err)
	assert.True(t, loaded.MemoryOlderThan(persisted))
	assert.Equal(t, 64, reader.Size())

	require.NoError(t, reader.Reload())
	assert.Equal(t, 1024, reader.Size())
}

func TestSegment_ConcurrentReadersSeeCommittedData(t *testing.T) {
	s := newTestStore(t, Config{})
	seg, err := s.Create(8)
	require.NoError(t, err)
	defer seg.Close()

	loaded, err := seg.Token()
	require.NoError(t, err)
	seg.Payload()[0] = 42
	committed, err := seg.Commit(loaded)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.Open(seg.ID())
			if !assert.NoError(t, err) {
				return
			}
			defer r.Close()
			tok, _ := r.Token()
			if tok == committed {
				assert.Equal(t, byte(42), r.Payload()[0])
			}
		}()
	}
	wg.Wait()
}

func TestStore_MemoryAccounting(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1024})
	s := newTestStore(t, Config{Resources: rc})

	seg, err := s.Create(512 - headerSize)
	require.NoError(t, err)
	assert.Equal(t, int64(512), rc.MemoryUsage())

	_, err = s.Create(1024)
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)

	_, err = seg.Resize(2048)
	assert.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	assert.Equal(t, 512-headerSize, seg.Size())

	require.NoError(t, seg.Destroy())
	assert.Equal(t, int64(0), rc.MemoryUsage())
	assert.Empty(t, s.InUse())
}

func TestStore_AllocationFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("shm_faulty_1", fs.Fault{FailOnOpen: true})
	rc := resource.NewController(resource.Config{})
	s := newTestStore(t, Config{Base: "faulty", FS: ffs, Resources: rc})

	seg, err := s.Create(16)
	require.NoError(t, err)
	defer seg.Close()

	_, err = s.Create(16)
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, "shm_faulty_1", allocErr.ID)
	assert.ErrorIs(t, err, fs.ErrInjected)
	assert.Equal(t, int64(16+headerSize), rc.MemoryUsage())
	assert.Equal(t, []string{"shm_faulty_0"}, s.InUse())
}

func TestStore_Cleanup(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir, Base: "exp"})

	for i := 0; i < 3; i++ {
		seg, err := s.Create(8)
		require.NoError(t, err)
		require.NoError(t, seg.Close())
	}
	// A file left behind by a worker under the same base.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shm_exp_worker"), []byte("x"), 0o600))
	// Foreign files are never touched.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shm_other_0"), []byte("x"), 0o600))

	require.NoError(t, s.Cleanup())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "shm_other_0", entries[0].Name())
}

func TestSegment_ResizeMapFailureRestoresFile(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	rc := resource.NewController(resource.Config{})
	s := newTestStore(t, Config{Base: "remap", FS: ffs, Resources: rc})

	seg, err := s.Create(64)
	require.NoError(t, err)
	defer seg.Close()
	seg.Payload()[0] = 7
	before, err := seg.Token()
	require.NoError(t, err)

	ffs.AddRule("shm_remap_0", fs.Fault{FailOnMap: true, FailAfterBytes: -1})
	for _, size := range []int{4096, 16} {
		_, err = seg.Resize(size)
		var allocErr *AllocationError
		require.ErrorAs(t, err, &allocErr, "size %d", size)

		info, err := os.Stat(filepath.Join(s.Dir(), seg.ID()))
		require.NoError(t, err)
		assert.Equal(t, int64(64+headerSize), info.Size())
		assert.Equal(t, 64, seg.Size())
		assert.Equal(t, int64(64+headerSize), rc.MemoryUsage())
		tok, err := seg.Token()
		require.NoError(t, err)
		assert.Equal(t, before, tok)
		assert.Equal(t, byte(7), seg.Payload()[0])
	}

	ffs.ClearRules()
	_, err = seg.Resize(4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096+headerSize), rc.MemoryUsage())
}
