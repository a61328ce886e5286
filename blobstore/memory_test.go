package blobstore

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	w, err := store.Create(ctx, "b/2")
	require.NoError(t, err)
	_, err = w.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.NoError(t, store.Put(ctx, "b/1", []byte("one")))
	require.NoError(t, store.PutIfAbsent(ctx, "a", []byte("a")))
	assert.ErrorIs(t, store.PutIfAbsent(ctx, "a", []byte("again")), ErrExists)

	names, err := store.List(ctx, "b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1", "b/2"}, names)

	info, err := store.Stat(ctx, "b/2")
	require.NoError(t, err)
	assert.Equal(t, ObjectInfo{Name: "b/2", Size: 3, ModTime: now}, info)

	blob, err := store.Open(ctx, "b/2")
	require.NoError(t, err)
	r, err := blob.ReadRange(ctx, 1, 10)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "wo", string(got))

	require.NoError(t, store.Delete(ctx, "b/2"))
	require.NoError(t, store.Delete(ctx, "b/2"))
	_, err = store.Stat(ctx, "b/2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStore_Abort(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, "x")
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	assert.Error(t, w.Close())

	exists, err := Exists(ctx, store, "x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_ConcurrentPutIfAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte{byte(i)}) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	names, err := store.List(ctx, "snapshot/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot/snapshot-1"}, names)
}
