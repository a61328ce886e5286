package manifest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/pathutil"
	"github.com/hupe1980/tablestore/kv"
)

func addEntry(partition kv.Partition, bucket int, name string) Entry {
	return Entry{
		Kind:         Add,
		Partition:    partition,
		Bucket:       bucket,
		TotalBuckets: 2,
		File:         DataFileMeta{FileName: name, RowCount: 1, CreationTime: time.UnixMilli(1)},
	}
}

func deleteEntry(partition kv.Partition, bucket int, name string) Entry {
	e := addEntry(partition, bucket, name)
	e.Kind = Delete
	return e
}

func randomEntries(n int) []Entry {
	rng := rand.New(rand.NewPCG(1, 2))
	entries := make([]Entry, n)
	for i := range entries {
		e := addEntry(kv.MustPartition("p", fmt.Sprint(i%3)), i%2, fmt.Sprintf("data-%d.tsdf", i))
		e.File.MinKey = make([]byte, 32)
		e.File.MaxKey = make([]byte, 32)
		for j := range e.File.MinKey {
			e.File.MinKey[j] = byte(rng.Uint32())
			e.File.MaxKey[j] = byte(rng.Uint32())
		}
		entries[i] = e
	}
	return entries
}

func TestStore_WriteRead(t *testing.T) {
	ctx := context.Background()
	s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), DefaultTargetFileSize)

	entries := []Entry{
		addEntry("dt=1", 0, "a"),
		addEntry("dt=2", 1, "b"),
		deleteEntry("dt=1", 0, "c"),
	}
	metas, err := s.Write(ctx, entries)
	require.NoError(t, err)
	require.Len(t, metas, 1)

	m := metas[0]
	assert.Equal(t, int64(2), m.NumAddedFiles)
	assert.Equal(t, int64(1), m.NumDeletedFiles)
	assert.Equal(t, kv.Partition("dt=1"), m.MinPartition)
	assert.Equal(t, kv.Partition("dt=2"), m.MaxPartition)
	assert.Positive(t, m.FileSize)

	got, err := s.Read(ctx, m.FileName)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	name, err := s.WriteList(ctx, metas)
	require.NoError(t, err)
	assert.True(t, pathutil.IsManifestList(name))

	list, err := s.ReadList(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, metas, list)

	require.NoError(t, s.Delete(ctx, m.FileName))
	_, err = s.Read(ctx, m.FileName)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestStore_WriteEmpty(t *testing.T) {
	s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), DefaultTargetFileSize)
	metas, err := s.Write(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestStore_Rolling(t *testing.T) {
	ctx := context.Background()
	const target = 256
	s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), target)

	entries := randomEntries(20)
	metas, err := s.Write(ctx, entries)
	require.NoError(t, err)
	require.Greater(t, len(metas), 1)

	for _, m := range metas[:len(metas)-1] {
		assert.GreaterOrEqual(t, m.FileSize, int64(target))
	}

	got, err := s.ReadAll(ctx, metas)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

// failingStore fails every Put after the first n.
type failingStore struct {
	*blobstore.MemoryStore
	n     int32
	calls atomic.Int32
}

var errInjected = errors.New("injected")

func (s *failingStore) Put(ctx context.Context, name string, data []byte) error {
	if s.calls.Add(1) > s.n {
		return errInjected
	}
	return s.MemoryStore.Put(ctx, name, data)
}

func TestStore_WriteCleansUpOnError(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()
	s := NewStore(&failingStore{MemoryStore: mem, n: 2}, pathutil.NewFactory(), 256)

	_, err := s.Write(ctx, randomEntries(40))
	require.ErrorIs(t, err, errInjected)

	names, err := mem.List(ctx, pathutil.ManifestDir)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStore_ReadCorrupt(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()
	s := NewStore(mem, pathutil.NewFactory(), DefaultTargetFileSize)

	metas, err := s.Write(ctx, []Entry{addEntry("", 0, "a")})
	require.NoError(t, err)

	path := pathutil.ManifestPath(metas[0].FileName)
	data, err := blobstore.ReadAll(ctx, mem, path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, mem.Put(ctx, path, data))

	_, err = s.Read(ctx, metas[0].FileName)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = s.ReadAll(ctx, metas)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestMerger(t *testing.T) {
	t.Run("cancels add and delete", func(t *testing.T) {
		merged, err := MergeEntries([]Entry{
			addEntry("", 0, "a"),
			addEntry("", 0, "b"),
			deleteEntry("", 0, "a"),
			addEntry("", 1, "c"),
		})
		require.NoError(t, err)
		assert.Equal(t, []Entry{addEntry("", 0, "b"), addEntry("", 1, "c")}, merged)
	})

	t.Run("keeps unmatched delete", func(t *testing.T) {
		merged, err := MergeEntries([]Entry{deleteEntry("", 0, "x"), addEntry("", 0, "y")})
		require.NoError(t, err)
		assert.Equal(t, []Entry{deleteEntry("", 0, "x"), addEntry("", 0, "y")}, merged)

		_, err = LiveFiles([]Entry{deleteEntry("", 0, "x")})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("identity includes level", func(t *testing.T) {
		upgraded := deleteEntry("", 0, "a")
		upgraded.File.Level = 1
		live, err := LiveFiles([]Entry{addEntry("", 0, "a"), upgraded})
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.Nil(t, live)
	})

	t.Run("duplicate add", func(t *testing.T) {
		_, err := MergeEntries([]Entry{addEntry("", 0, "a"), addEntry("", 0, "a")})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("double delete", func(t *testing.T) {
		_, err := MergeEntries([]Entry{deleteEntry("", 0, "a"), deleteEntry("", 0, "a")})
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("same name other bucket", func(t *testing.T) {
		live, err := LiveFiles([]Entry{addEntry("", 0, "a"), addEntry("", 1, "a"), deleteEntry("", 0, "a")})
		require.NoError(t, err)
		assert.Equal(t, []Entry{addEntry("", 1, "a")}, live)
	})
}

func writeOne(t *testing.T, s *Store, entries ...Entry) FileMeta {
	t.Helper()
	metas, err := s.Write(context.Background(), entries)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	return metas[0]
}

func TestStore_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("small manifests reach min count", func(t *testing.T) {
		s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), DefaultTargetFileSize)
		var metas []FileMeta
		for i := range 5 {
			metas = append(metas, writeOne(t, s, addEntry("", 0, fmt.Sprint(i))))
		}

		result, created, err := s.Merge(ctx, metas, 3)
		require.NoError(t, err)
		require.Len(t, result, 1)
		assert.Equal(t, result, created)
		assert.Equal(t, int64(5), result[0].NumAddedFiles)

		entries, err := s.ReadAll(ctx, result)
		require.NoError(t, err)
		assert.Len(t, entries, 5)
	})

	t.Run("below min count", func(t *testing.T) {
		s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), DefaultTargetFileSize)
		metas := []FileMeta{writeOne(t, s, addEntry("", 0, "a")), writeOne(t, s, addEntry("", 0, "b"))}

		result, created, err := s.Merge(ctx, metas, 3)
		require.NoError(t, err)
		assert.Equal(t, metas, result)
		assert.Empty(t, created)
	})

	t.Run("cancels pairs", func(t *testing.T) {
		s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), DefaultTargetFileSize)
		metas := []FileMeta{
			writeOne(t, s, addEntry("", 0, "a")),
			writeOne(t, s, deleteEntry("", 0, "a"), addEntry("", 0, "b")),
		}

		result, _, err := s.Merge(ctx, metas, 2)
		require.NoError(t, err)
		require.Len(t, result, 1)
		assert.Equal(t, int64(1), result[0].NumAddedFiles)
		assert.Zero(t, result[0].NumDeletedFiles)
	})

	t.Run("everything cancels", func(t *testing.T) {
		s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), DefaultTargetFileSize)
		metas := []FileMeta{
			writeOne(t, s, addEntry("", 0, "a")),
			writeOne(t, s, deleteEntry("", 0, "a")),
		}

		result, created, err := s.Merge(ctx, metas, 2)
		require.NoError(t, err)
		assert.Empty(t, result)
		assert.Empty(t, created)
	})

	t.Run("large manifests kept", func(t *testing.T) {
		s := NewStore(blobstore.NewMemoryStore(), pathutil.NewFactory(), 1)
		metas := []FileMeta{writeOne(t, s, addEntry("", 0, "a")), writeOne(t, s, addEntry("", 0, "b"))}

		result, created, err := s.Merge(ctx, metas, 1)
		require.NoError(t, err)
		assert.Equal(t, metas, result)
		assert.Empty(t, created)
	})
}

func TestFileMeta_MayContain(t *testing.T) {
	only := func(p kv.Partition) func(kv.Partition) bool {
		return func(q kv.Partition) bool { return p == q }
	}

	single := FileMeta{MinPartition: "dt=1", MaxPartition: "dt=1"}
	assert.True(t, single.MayContain(nil))
	assert.True(t, single.MayContain(only("dt=1")))
	assert.False(t, single.MayContain(only("dt=2")))

	mixed := FileMeta{MinPartition: "dt=1", MaxPartition: "dt=3"}
	assert.True(t, mixed.MayContain(only("dt=2")))
}
