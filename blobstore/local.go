package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/hupe1980/tablestore/internal/fs"
	"github.com/hupe1980/tablestore/internal/mmap"
	"github.com/hupe1980/tablestore/internal/pathutil"
)

const tempSuffix = ".tmp"

// LocalStore implements BlobStore on a local directory.
//
// Writes go to a temporary file that is renamed (Put, Create) or hard-linked
// (PutIfAbsent) into place, so readers never observe partial blobs.
// Reads are memory-mapped.
type LocalStore struct {
	root string
	fs   fs.FileSystem
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithFileSystem sets the file system used for writes and listing.
func WithFileSystem(fsys fs.FileSystem) LocalOption {
	return func(s *LocalStore) {
		s.fs = fsys
	}
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string, optFns ...LocalOption) *LocalStore {
	s := &LocalStore{root: root, fs: fs.Default}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

// Root returns the store's root directory.
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	m, err := mmap.Open(s.path(name), accessPattern(name))
	if err != nil {
		return nil, err
	}
	return &localBlob{m: m}, nil
}

// Create starts a streaming write to a temporary file.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	f, tmp, err := s.createTemp(name)
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{store: s, f: f, tmp: tmp, dst: s.path(name)}, nil
}

// Put writes a blob atomically, replacing any existing blob.
func (s *LocalStore) Put(_ context.Context, name string, data []byte) error {
	tmp, err := s.writeTemp(name, data)
	if err != nil {
		return err
	}
	if err := s.fs.Rename(tmp, s.path(name)); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

// PutIfAbsent writes a blob only if it does not exist yet.
// The hard link fails atomically when the target exists.
func (s *LocalStore) PutIfAbsent(_ context.Context, name string, data []byte) error {
	tmp, err := s.writeTemp(name, data)
	if err != nil {
		return err
	}
	defer func() { _ = s.fs.Remove(tmp) }()

	if err := s.fs.Link(tmp, s.path(name)); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return err
	}
	return nil
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	if err := s.fs.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns all blob names starting with prefix, recursively.
// Temporary files of in-flight writes are skipped.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	// Start from the deepest directory fully named by the prefix.
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i]
	}

	var names []string
	if err := s.walk(dir, func(name string) {
		if strings.HasPrefix(name, prefix) && !strings.HasSuffix(name, tempSuffix) {
			names = append(names, name)
		}
	}); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) walk(dir string, fn func(name string)) error {
	entries, err := s.fs.ReadDir(s.path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if dir != "" {
			name = dir + "/" + name
		}
		if e.IsDir() {
			if err := s.walk(name, fn); err != nil {
				return err
			}
			continue
		}
		fn(name)
	}
	return nil
}

// Stat returns blob metadata.
func (s *LocalStore) Stat(_ context.Context, name string) (ObjectInfo, error) {
	fi, err := s.fs.Stat(s.path(name))
	if err != nil {
		return ObjectInfo{}, err
	}
	if fi.IsDir() {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Name: name, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (s *LocalStore) createTemp(name string) (fs.File, string, error) {
	tmp := s.path(name) + "." + uuid.NewString() + tempSuffix
	f, err := s.fs.CreateExclusive(tmp)
	if err != nil {
		return nil, "", err
	}
	return f, tmp, nil
}

func (s *LocalStore) writeTemp(name string, data []byte) (string, error) {
	f, tmp, err := s.createTemp(name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

type localBlob struct {
	m *mmap.Mapping
}

func (b *localBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.m.ReadAt(p, off)
}

func (b *localBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := b.m.Bytes()
	if off >= int64(len(data)) {
		return nil, io.EOF
	}
	end := min(off+length, int64(len(data)))
	return io.NopCloser(bytes.NewReader(data[off:end])), nil
}

func (b *localBlob) Close() error {
	return b.m.Close()
}

func (b *localBlob) Size() int64 {
	return int64(b.m.Size())
}

func (b *localBlob) Bytes() ([]byte, error) {
	data := b.m.Bytes()
	if data == nil && b.m.Size() > 0 {
		return nil, mmap.ErrClosed
	}
	return data, nil
}

type localWritableBlob struct {
	store *LocalStore
	f     fs.File
	tmp   string
	dst   string
	done  bool
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

func (w *localWritableBlob) Sync() error {
	if w.done {
		return os.ErrClosed
	}
	return w.f.Sync()
}

func (w *localWritableBlob) Close() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = w.store.fs.Remove(w.tmp)
		return err
	}
	if err := w.f.Close(); err != nil {
		_ = w.store.fs.Remove(w.tmp)
		return err
	}
	if err := w.store.fs.Rename(w.tmp, w.dst); err != nil {
		_ = w.store.fs.Remove(w.tmp)
		return err
	}
	return nil
}

func (w *localWritableBlob) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := w.store.fs.Remove(w.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// accessPattern advises sequential reads for data files.
func accessPattern(name string) mmap.AccessPattern {
	if strings.HasSuffix(name, pathutil.DataFileSuffix) {
		return mmap.AccessSequential
	}
	return mmap.AccessDefault
}
