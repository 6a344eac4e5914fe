package zarrserve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidPath indicates a path that would escape the storage root.
var ErrInvalidPath = errors.New("invalid path: escapes storage root")

// ErrPathExists indicates a write to a path that already holds an object.
var ErrPathExists = errors.New("path already exists")

// -----------------------------------------------------------------------------
// Store interface
// -----------------------------------------------------------------------------

// Store is the object storage a StoreSource or Parquet dataset reads from.
//
// Objects are immutable once written. Missing paths report ErrNotFound.
type Store interface {
	// Put writes data to path. It fails with ErrPathExists if the path is
	// already taken.
	Put(ctx context.Context, path string, r io.Reader) error

	// Get retrieves the object at path.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// ReaderAt opens the object at path for random access and returns its
	// size. Callers should close the reader if it implements io.Closer.
	ReaderAt(ctx context.Context, path string) (io.ReaderAt, int64, error)
}

// ContextReaderAt is a random-access reader whose range reads can be bound
// to a caller's context. Readers over remote objects implement it.
type ContextReaderAt interface {
	io.ReaderAt
	ReadAtContext(ctx context.Context, p []byte, off int64) (int, error)
}

// StoreFactory creates a Store.
type StoreFactory func() (Store, error)

// NewFSFactory returns a factory for a filesystem store rooted at root.
func NewFSFactory(root string) StoreFactory {
	return func() (Store, error) {
		return NewFS(root)
	}
}

// NewMemoryFactory returns a factory for a fresh in-memory store.
func NewMemoryFactory() StoreFactory {
	return func() (Store, error) {
		return NewMemory(), nil
	}
}

// -----------------------------------------------------------------------------
// Filesystem Store
// -----------------------------------------------------------------------------

type fsStore struct {
	root string
}

// NewFS creates a filesystem-backed Store rooted at the given directory.
// The directory must exist.
func NewFS(root string) (Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("zarrserve: %s is not a directory", root)
	}
	return &fsStore{root: root}, nil
}

func (f *fsStore) Put(_ context.Context, p string, r io.Reader) error {
	full, err := f.safePath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrPathExists
		}
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		_ = os.Remove(full)
		return err
	}
	return file.Close()
}

func (f *fsStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	full, err := f.safePath(p)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, err
	}
	return file, nil
}

func (f *fsStore) ReaderAt(_ context.Context, p string) (io.ReaderAt, int64, error) {
	full, err := f.safePath(p)
	if err != nil {
		return nil, 0, err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func (f *fsStore) safePath(p string) (string, error) {
	cleaned := filepath.Clean(p)
	if p == "" || cleaned == "." || filepath.IsAbs(cleaned) {
		return "", ErrInvalidPath
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filepath.Join(f.root, cleaned), nil
}

// -----------------------------------------------------------------------------
// Memory Store
// -----------------------------------------------------------------------------

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an in-memory Store. It is safe for concurrent use.
func NewMemory() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

func (m *memoryStore) Put(_ context.Context, p string, r io.Reader) error {
	key, ok := normalizePath(p)
	if !ok {
		return ErrInvalidPath
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; exists {
		return ErrPathExists
	}
	m.data[key] = data
	return nil
}

func (m *memoryStore) Get(_ context.Context, p string) (io.ReadCloser, error) {
	data, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) ReaderAt(_ context.Context, p string) (io.ReaderAt, int64, error) {
	data, err := m.lookup(p)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

func (m *memoryStore) lookup(p string) ([]byte, error) {
	key, ok := normalizePath(p)
	if !ok {
		return nil, ErrInvalidPath
	}
	m.mu.RLock()
	data, exists := m.data[key]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, nil
}

func normalizePath(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	cleaned := strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "/")
	if cleaned == "." || cleaned == "" || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}

// -----------------------------------------------------------------------------
// Store-backed chunked source
// -----------------------------------------------------------------------------

// storeSource reads raw, uncompressed blocks from a Store. Block coord lives
// at "<prefix>/<chunk id>".
type storeSource struct {
	store  Store
	prefix string
	dtype  DType
	shape  []int
	chunk  []int
	chunks [][]int
}

// NewStoreSource creates a chunked source over blocks previously written with
// WriteBlocks.
func NewStoreSource(store Store, prefix string, dt DType, shape, chunk []int) (ChunkedSource, error) {
	if store == nil {
		return nil, errors.New("zarrserve: store is required")
	}
	chunks, err := regularChunks(shape, chunk)
	if err != nil {
		return nil, err
	}
	return &storeSource{
		store:  store,
		prefix: prefix,
		dtype:  dt,
		shape:  append([]int(nil), shape...),
		chunk:  append([]int(nil), chunk...),
		chunks: chunks,
	}, nil
}

func (s *storeSource) Shape() []int    { return append([]int(nil), s.shape...) }
func (s *storeSource) Chunks() [][]int { return s.chunks }

func (s *storeSource) Materialize(ctx context.Context, coord []int) (*Block, error) {
	rc, err := s.store.Get(ctx, blockPath(s.prefix, coord))
	if err != nil {
		return nil, err
	}
	defer closer(rc)()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	_, ext := blockBounds(s.shape, s.chunk, coord)
	return NewBlock(s.dtype, ext, data)
}

// WriteBlocks materializes every block of src and writes its raw bytes to
// store under prefix.
func WriteBlocks(ctx context.Context, store Store, prefix string, src ChunkedSource) error {
	blocks := src.Chunks()
	counts := make([]int, len(blocks))
	for d, b := range blocks {
		counts[d] = len(b)
		if len(b) == 0 {
			return nil
		}
	}

	coord := make([]int, len(counts))
	for {
		b, err := src.Materialize(ctx, coord)
		if err != nil {
			return fmt.Errorf("zarrserve: block %s: %w", FormatChunkID(coord), err)
		}
		if err := store.Put(ctx, blockPath(prefix, coord), bytes.NewReader(b.Data)); err != nil {
			return fmt.Errorf("zarrserve: block %s: %w", FormatChunkID(coord), err)
		}

		d := len(counts) - 1
		for ; d >= 0; d-- {
			coord[d]++
			if coord[d] < counts[d] {
				break
			}
			coord[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

func blockPath(prefix string, coord []int) string {
	if prefix == "" {
		return FormatChunkID(coord)
	}
	return strings.TrimSuffix(prefix, "/") + "/" + FormatChunkID(coord)
}
