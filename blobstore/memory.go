package blobstore

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

// MemoryStore keeps blobs in an ordered in-process map. It serves tests and
// short-lived tables. Safe for concurrent use.
type MemoryStore struct {
	objects *skipmap.FuncMap[string, *memoryObject]
	now     atomic.Pointer[func() time.Time]
}

// memoryObject is immutable once stored; Put replaces the pointer.
type memoryObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		objects: skipmap.NewFunc[string, *memoryObject](func(a, b string) bool { return a < b }),
	}
	m.SetClock(time.Now)
	return m
}

// SetClock replaces the source of modification times.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now.Store(&now)
}

func (m *MemoryStore) object(data []byte) *memoryObject {
	return &memoryObject{data: bytes.Clone(data), modTime: (*m.now.Load())()}
}

func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	obj, ok := m.objects.Load(name)
	if !ok {
		return nil, ErrNotFound
	}
	return NewBytesBlob(obj.data), nil
}

// Create buffers the blob and stores it on Close.
func (m *MemoryStore) Create(_ context.Context, name string) (WritableBlob, error) {
	return &memoryWriter{store: m, name: name}, nil
}

func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	m.objects.Store(name, m.object(data))
	return nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, name string, data []byte) error {
	if _, loaded := m.objects.LoadOrStore(name, m.object(data)); loaded {
		return ErrExists
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.objects.Delete(name)
	return nil
}

// List returns names with the given prefix in key order.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	m.objects.Range(func(name string, _ *memoryObject) bool {
		switch {
		case strings.HasPrefix(name, prefix):
			names = append(names, name)
		case name > prefix:
			return false
		}
		return true
	})
	return names, nil
}

func (m *MemoryStore) Stat(_ context.Context, name string) (ObjectInfo, error) {
	obj, ok := m.objects.Load(name)
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Name: name, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

// Len returns the number of blobs.
func (m *MemoryStore) Len() int {
	return m.objects.Len()
}

type memoryWriter struct {
	store *MemoryStore
	name  string
	buf   bytes.Buffer
	done  bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Sync() error { return nil }

func (w *memoryWriter) Close() error {
	if w.done {
		return io.ErrClosedPipe
	}
	w.done = true
	return w.store.Put(context.Background(), w.name, w.buf.Bytes())
}

func (w *memoryWriter) Abort() error {
	w.done = true
	w.buf = bytes.Buffer{}
	return nil
}

// bytesBlob is a Blob over an immutable byte slice.
type bytesBlob []byte

// NewBytesBlob returns a Blob reading data, which must not be mutated.
func NewBytesBlob(data []byte) Blob { return bytesBlob(data) }

func (b bytesBlob) Size() int64            { return int64(len(b)) }
func (b bytesBlob) Close() error           { return nil }
func (b bytesBlob) Bytes() ([]byte, error) { return b, nil }

func (b bytesBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b bytesBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	off = min(off, int64(len(b)))
	end := min(off+length, int64(len(b)))
	return io.NopCloser(bytes.NewReader(b[off:end])), nil
}
