package segment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/hupe1980/simstate/internal/fs"
	"github.com/hupe1980/simstate/internal/resource"
)

// DefaultDir is the tmpfs directory segments are created in.
const DefaultDir = "/dev/shm"

// idPrefix marks every segment id so cleanup never touches foreign files.
const idPrefix = "shm_"

// Config configures a Store.
type Config struct {
	// Dir is the directory holding segment backing files. Defaults to DefaultDir.
	Dir string

	// Base is the id prefix shared by all segments of one experiment.
	// Defaults to a random uuid.
	Base string

	// FS is the filesystem used for backing files. Defaults to fs.Default.
	FS fs.FileSystem

	// Resources accounts for the memory held by created segments. Optional.
	Resources *resource.Controller

	// Logger receives segment lifecycle events. Optional.
	Logger *slog.Logger
}

// Store creates, opens and cleans up the segments of one experiment.
//
// Segments are plain files below Dir, so any process that knows an id can map
// the same region. The store remembers which ids it created so they can be
// removed when the experiment ends, even if a batch leaked.
type Store struct {
	dir       string
	base      string
	fs        fs.FileSystem
	resources *resource.Controller
	logger    *slog.Logger

	next atomic.Uint64

	mu    sync.Mutex
	inUse map[string]int64 // id -> reserved bytes
}

// NewStore creates a segment store, creating Dir if necessary.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Base == "" {
		cfg.Base = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if strings.ContainsAny(cfg.Base, "/_") {
		return nil, fmt.Errorf("%w: base %q", ErrInvalidID, cfg.Base)
	}
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.FS.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	return &Store{
		dir:       cfg.Dir,
		base:      cfg.Base,
		fs:        cfg.FS,
		resources: cfg.Resources,
		logger:    cfg.Logger,
		inUse:     make(map[string]int64),
	}, nil
}

// Dir returns the directory holding the backing files.
func (s *Store) Dir() string { return s.dir }

// Base returns the id prefix of this store.
func (s *Store) Base() string { return s.base }

// NewID returns a fresh id of the form shm_<base>_<n>.
func (s *Store) NewID() string {
	return fmt.Sprintf("%s%s_%d", idPrefix, s.base, s.next.Add(1)-1)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id)
}

func validateID(id string) error {
	if !strings.HasPrefix(id, idPrefix) || strings.ContainsRune(id, filepath.Separator) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func validateSize(size int64) error {
	if size <= 0 {
		return ErrEmptySegment
	}
	if size > MaxSize {
		return fmt.Errorf("%w: %d > %d", ErrSegmentTooLarge, size, int64(MaxSize))
	}
	return nil
}

// Create allocates a new segment with room for size payload bytes and a
// fresh id. The persisted metaversion starts at {0, 0}.
func (s *Store) Create(size int) (*Segment, error) {
	return s.CreateWithID(s.NewID(), size)
}

// CreateWithID allocates a new segment under the given id.
func (s *Store) CreateWithID(id string, size int) (*Segment, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	total := int64(headerSize + size)
	if err := validateSize(int64(size)); err != nil {
		return nil, err
	}
	if err := validateSize(total); err != nil {
		return nil, err
	}

	if err := s.resources.AcquireMemory(total); err != nil {
		return nil, &AllocationError{ID: id, Size: total, Err: err}
	}

	seg, err := s.allocate(id, total)
	if err != nil {
		s.resources.ReleaseMemory(total)
		return nil, &AllocationError{ID: id, Size: total, Err: err}
	}

	s.mu.Lock()
	s.inUse[id] = total
	s.mu.Unlock()

	s.logger.Debug("segment created", "id", id, "size", humanize.IBytes(uint64(total)))
	return seg, nil
}

func (s *Store) allocate(id string, total int64) (*Segment, error) {
	f, err := s.fs.OpenFile(s.path(id), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		s.fs.Remove(s.path(id))
		return nil, err
	}
	seg := &Segment{id: id, store: s, file: f, owner: true}
	if err := seg.mapFile(total); err != nil {
		f.Close()
		s.fs.Remove(s.path(id))
		return nil, err
	}
	return seg, nil
}

// Open maps an existing segment into the calling process. The returned
// segment is not an owner; closing it only drops the mapping.
//
// The region may be resized concurrently by its writer, so callers must
// check the persisted metaversion after mapping.
func (s *Store) Open(id string) (*Segment, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(s.path(id), os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, id)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrEmptySegment, id, info.Size())
	}

	seg := &Segment{id: id, store: s, file: f}
	if err := seg.mapFile(info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	return seg, nil
}

// Remove unlinks segments created by this store and releases their memory
// reservation. Mappings held elsewhere stay valid until they are closed.
// Unknown ids are ignored.
func (s *Store) Remove(ids ...string) error {
	var errs []error
	for _, id := range ids {
		s.mu.Lock()
		size, ok := s.inUse[id]
		delete(s.inUse, id)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.fs.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		s.resources.ReleaseMemory(size)
		s.logger.Debug("segment removed", "id", id)
	}
	return errors.Join(errs...)
}

// InUse returns the sorted ids of segments created by this store and not yet
// removed.
func (s *Store) InUse() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inUse))
	for id := range s.inUse {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cleanup removes every backing file in Dir that belongs to this store's base,
// including files left behind by worker processes that resized or created
// segments under the same base.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.inUse))
	for id := range s.inUse {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	err := s.Remove(ids...)

	removed, cerr := CleanupByBase(s.fs, s.dir, s.base)
	if removed > 0 {
		s.logger.Info("removed leftover segments", "base", s.base, "count", removed)
	}
	return errors.Join(err, cerr)
}

// CleanupByBase removes all segment files of the given base from dir and
// returns how many were removed.
func CleanupByBase(fsys fs.FileSystem, dir, base string) (int, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	prefix := idPrefix + base + "_"
	removed := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := fsys.Remove(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *Store) trackResize(id string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inUse[id]; ok {
		s.inUse[id] = total
	}
}
