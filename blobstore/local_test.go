package blobstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hupe1980/tablestore/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	name := "dt=1/bucket-0/data-001.tsdf"
	data := []byte("hello world, this is a test blob")

	w, err := store.Create(ctx, name)
	require.NoError(t, err)
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Not visible before Close.
	_, err = store.Stat(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())

	_, err = os.Stat(filepath.Join(tmpDir, "dt=1", "bucket-0", "data-001.tsdf"))
	require.NoError(t, err)

	blob, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	r, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "this", string(content))
	require.NoError(t, r.Close())

	_, err = blob.ReadRange(ctx, 100, 5)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, store.Put(ctx, "snapshot/LATEST", []byte("1")))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{name, "snapshot/LATEST"}, names)

	names, err = store.List(ctx, "snapshot/")
	require.NoError(t, err)
	require.Equal(t, []string{"snapshot/LATEST"}, names)

	names, err = store.List(ctx, "missing/")
	require.NoError(t, err)
	require.Empty(t, names)

	require.NoError(t, store.Delete(ctx, name))
	require.NoError(t, store.Delete(ctx, name), "deleting a missing blob is not an error")
	_, err = store.Open(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_PutOverwrites(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "snapshot/LATEST", []byte("1")))
	require.NoError(t, store.Put(ctx, "snapshot/LATEST", []byte("22")))

	got, err := ReadAll(ctx, store, "snapshot/LATEST")
	require.NoError(t, err)
	assert.Equal(t, "22", string(got))

	info, err := store.Stat(ctx, "snapshot/LATEST")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)
	assert.False(t, info.ModTime.IsZero())
}

func TestLocalStore_PutIfAbsent(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	require.NoError(t, store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte("first")))
	err := store.PutIfAbsent(ctx, "snapshot/snapshot-1", []byte("second"))
	require.ErrorIs(t, err, ErrExists)

	got, err := ReadAll(ctx, store, "snapshot/snapshot-1")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	names, err := store.List(ctx, "snapshot/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot/snapshot-1"}, names, "temporary files are cleaned up")
}

func TestLocalStore_PutIfAbsentRace(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.PutIfAbsent(ctx, "snapshot/snapshot-2", []byte{byte(i)})
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrExists)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestLocalStore_Abort(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	w, err := store.Create(ctx, "bucket-0/data-x.tsdf")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())
	require.NoError(t, w.Abort())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_FaultInjection(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	injected := errors.New("disk full")
	faulty.Inject(fs.Rule{Pattern: "snapshot-3", Ops: fs.OpLink, Err: injected})
	store := NewLocalStore(t.TempDir(), WithFileSystem(faulty))
	ctx := context.Background()

	err := store.PutIfAbsent(ctx, "snapshot/snapshot-3", []byte("x"))
	require.ErrorIs(t, err, injected)

	exists, err := Exists(ctx, store, "snapshot/snapshot-3")
	require.NoError(t, err)
	assert.False(t, exists)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_WriteFailureLeavesNoTemp(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	faulty.Inject(fs.Rule{Pattern: "data-", Ops: fs.OpWrite | fs.OpSync})
	store := NewLocalStore(t.TempDir(), WithFileSystem(faulty))
	ctx := context.Background()

	err := store.Put(ctx, "bucket-0/data-1.tsdf", []byte("payload"))
	require.ErrorIs(t, err, fs.ErrInjected)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Put(ctx, "manifest/manifest-1", []byte("ok")))
	assert.Equal(t, 1, faulty.Fired())
}
