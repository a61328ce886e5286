package blobstore

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/hupe1980/tablestore/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore counts backend reads of a MemoryStore.
type countingStore struct {
	*MemoryStore
	mu        sync.Mutex
	reads     int
	readBytes int
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.MemoryStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, store: s}, nil
}

type countingBlob struct {
	Blob
	store *countingStore
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	n, err := b.Blob.ReadAt(ctx, p, off)
	b.store.mu.Lock()
	b.store.reads++
	b.store.readBytes += n
	b.store.mu.Unlock()
	return n, err
}

func newCountingStore(t *testing.T, name string, data []byte) *countingStore {
	t.Helper()
	s := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, s.Put(context.Background(), name, data))
	return s
}

func TestCachingStore_ReadAt(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	inner := newCountingStore(t, "manifest/m-1", data)
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1<<20), 256)
	ctx := context.Background()

	blob, err := store.Open(ctx, "manifest/m-1")
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[:100], buf)
	assert.Equal(t, 1, inner.reads)
	assert.Equal(t, 256, inner.readBytes)

	// Cached.
	_, err = blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.reads)

	// Spans block 0 (cached) and block 1 (missing).
	n, err = blob.ReadAt(ctx, buf, 200)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[200:300], buf)
	assert.Equal(t, 2, inner.reads)
	assert.Equal(t, 512, inner.readBytes)
}

func TestCachingStore_ShortLastBlock(t *testing.T) {
	inner := newCountingStore(t, "small", []byte("hello"))
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024), 256)
	ctx := context.Background()

	blob, err := store.Open(ctx, "small")
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, _ := blob.ReadAt(ctx, buf, 0)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), buf[:n])

	all, err := ReadAll(ctx, store, "small")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), all)
}

func TestCachingStore_CoalescesMissingBlocks(t *testing.T) {
	data := make([]byte, 64*1024)
	inner := newCountingStore(t, "big", data)
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1<<20), 4096)
	ctx := context.Background()

	blob, err := store.Open(ctx, "big")
	require.NoError(t, err)

	buf := make([]byte, 16*4096)
	_, err = blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.reads, "contiguous missing blocks are read in one request")
}

func TestCachingStore_InvalidatesOnOverwrite(t *testing.T) {
	inner := newCountingStore(t, "snapshot/LATEST", []byte("1"))
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024), 16)
	ctx := context.Background()

	got, err := ReadAll(ctx, store, "snapshot/LATEST")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	require.NoError(t, store.Put(ctx, "snapshot/LATEST", []byte("2")))
	got, err = ReadAll(ctx, store, "snapshot/LATEST")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	require.NoError(t, store.Delete(ctx, "snapshot/LATEST"))
	_, err = store.Open(ctx, "snapshot/LATEST")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachingStore_Cacheable(t *testing.T) {
	inner := newCountingStore(t, "hint", []byte("7"))
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024), 16,
		WithCacheable(func(name string) bool { return name != "hint" }))
	ctx := context.Background()

	// Another process rewrites the hint behind the cache's back.
	_, err := ReadAll(ctx, store, "hint")
	require.NoError(t, err)
	require.NoError(t, inner.Put(ctx, "hint", []byte("8")))

	got, err := ReadAll(ctx, store, "hint")
	require.NoError(t, err)
	assert.Equal(t, "8", string(got))
}

func TestCachingStore_PutIfAbsent(t *testing.T) {
	store := NewCachingStore(NewMemoryStore(), cache.NewLRUBlockCache(1024), 16)
	ctx := context.Background()

	require.NoError(t, store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte("a")))
	assert.ErrorIs(t, store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte("b")), ErrExists)

	info, err := store.Stat(ctx, "snapshot/snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Size)
}

func TestCachingStore_ReadRange(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	inner := newCountingStore(t, "data-1.tsdf", data)
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024), 8)
	ctx := context.Background()

	blob, err := store.Open(ctx, "data-1.tsdf")
	require.NoError(t, err)
	defer blob.Close()

	rc, err := blob.ReadRange(ctx, 6, 100)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data[6:], got)

	n, err := blob.ReadAt(ctx, make([]byte, 4), int64(len(data)))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}
