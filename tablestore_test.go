package tablestore_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore"
	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/pathutil"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/testutil"
)

func openTable(t *testing.T, store blobstore.BlobStore, optFns ...tablestore.Option) *tablestore.Table {
	t.Helper()
	tbl, err := tablestore.Open(store, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close(context.Background()) })
	return tbl
}

// writeBatch writes records to one partition and commits them under id.
func writeBatch(t *testing.T, tbl *tablestore.Table, w *tablestore.TableWrite, id uint64, p kv.Partition, records []kv.KeyValue) *tablestore.Snapshot {
	t.Helper()
	ctx := context.Background()
	for _, r := range records {
		require.NoError(t, w.Write(ctx, p, r))
	}
	cm, err := w.PrepareCommit(ctx, true, id)
	require.NoError(t, err)
	snap, err := tbl.NewCommit().Commit(ctx, cm)
	require.NoError(t, err)
	return snap
}

func scanAll(t *testing.T, tbl *tablestore.Table, opts ...tablestore.ScanOption) map[kv.Partition]map[string]string {
	t.Helper()
	out := make(map[kv.Partition]map[string]string)
	for row, err := range tbl.Scan(context.Background(), opts...) {
		require.NoError(t, err)
		if out[row.Partition] == nil {
			out[row.Partition] = make(map[string]string)
		}
		out[row.Partition][string(row.Key)] = string(row.Value)
	}
	return out
}

func TestTable_WriteCommitScan(t *testing.T) {
	tests := []struct {
		name string
		opts []tablestore.Option
	}{
		{name: "default"},
		{name: "cached", opts: []tablestore.Option{func() tablestore.Option {
			o := tablestore.DefaultOptions()
			o.Buckets = 4
			o.CacheSize = 1 << 20
			o.FileBlockSize = 4 << 10
			return tablestore.WithOptions(o)
		}()}},
		{name: "leveled", opts: []tablestore.Option{func() tablestore.Option {
			o := tablestore.DefaultOptions()
			o.Buckets = 3
			o.CompactionStyle = tablestore.CompactionLeveled
			o.NumSortedRunCompactionTrigger = 2
			return tablestore.WithOptions(o)
		}()}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			tbl := openTable(t, blobstore.NewMemoryStore(), tc.opts...)
			w, err := tbl.NewWrite()
			require.NoError(t, err)

			rng := testutil.NewRNG(42)
			model := testutil.NewModel()
			for i := 1; i <= 6; i++ {
				records := rng.Records(200, 100, testutil.RecordOptions{DeleteRate: 0.1, UpdateRate: 0.2})
				model.ApplyAll(records)
				snap := writeBatch(t, tbl, w, uint64(i), kv.Unpartitioned, records)
				assert.Equal(t, int64(i), snap.ID)
			}

			assert.Equal(t, model.Snapshot(), scanAll(t, tbl)[kv.Unpartitioned])

			latest, err := tbl.LatestSnapshot(ctx)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, int64(6), latest.ID)
			assert.Equal(t, tbl.CommitUser(), latest.CommitUser)

			snaps, err := tbl.Snapshots(ctx)
			require.NoError(t, err)
			assert.Len(t, snaps, 6)
		})
	}
}

func TestTable_TimeTravel(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, blobstore.NewMemoryStore(), tablestore.WithBuckets(2))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	writeBatch(t, tbl, w, 1, kv.Unpartitioned, []kv.KeyValue{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("1")},
	})
	writeBatch(t, tbl, w, 2, kv.Unpartitioned, []kv.KeyValue{
		{Key: []byte("a"), Value: []byte("2")},
		{Key: []byte("b"), Kind: kv.Delete},
	})

	assert.Equal(t, map[string]string{"a": "1", "b": "1"}, scanAll(t, tbl, tablestore.ScanSnapshot(1))[kv.Unpartitioned])
	assert.Equal(t, map[string]string{"a": "2"}, scanAll(t, tbl)[kv.Unpartitioned])

	t.Run("missing snapshot", func(t *testing.T) {
		for _, err := range tbl.Scan(ctx, tablestore.ScanSnapshot(42)) {
			assert.ErrorIs(t, err, tablestore.ErrNotFound)
		}
		_, err := tbl.Snapshot(ctx, 42)
		assert.ErrorIs(t, err, tablestore.ErrNotFound)
	})
}

func TestTable_Partitions(t *testing.T) {
	tbl := openTable(t, blobstore.NewMemoryStore(), tablestore.WithBuckets(2))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	p1 := kv.MustPartition("dt", "1")
	p2 := kv.MustPartition("dt", "2")
	writeBatch(t, tbl, w, 1, p1, []kv.KeyValue{{Key: []byte("a"), Value: []byte("p1")}})
	writeBatch(t, tbl, w, 2, p2, []kv.KeyValue{{Key: []byte("a"), Value: []byte("p2")}})

	all := scanAll(t, tbl)
	assert.Equal(t, "p1", all[p1]["a"])
	assert.Equal(t, "p2", all[p2]["a"])

	only := scanAll(t, tbl, tablestore.ScanPartitions(map[string]string{"dt": "2"}))
	assert.Len(t, only, 1)
	assert.Equal(t, "p2", only[p2]["a"])

	ranged := scanAll(t, tbl, tablestore.ScanKeyRange([]byte("b"), nil))
	assert.Empty(t, ranged)
}

func TestTable_Overwrite(t *testing.T) {
	ctx := context.Background()
	tbl := openTable(t, blobstore.NewMemoryStore(), tablestore.WithBuckets(2))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	p1 := kv.MustPartition("dt", "1")
	p2 := kv.MustPartition("dt", "2")
	writeBatch(t, tbl, w, 1, p1, []kv.KeyValue{
		{Key: []byte("a"), Value: []byte("old")},
		{Key: []byte("b"), Value: []byte("old")},
	})
	writeBatch(t, tbl, w, 2, p2, []kv.KeyValue{{Key: []byte("a"), Value: []byte("kept")}})

	ow, err := tbl.NewOverwrite()
	require.NoError(t, err)
	require.NoError(t, ow.Write(ctx, p1, kv.KeyValue{Key: []byte("c"), Value: []byte("new")}))
	cm, err := ow.PrepareCommit(ctx, true, 3)
	require.NoError(t, err)

	snap, err := tbl.NewCommit().Overwrite(ctx, map[string]string{"dt": "1"}, cm)
	require.NoError(t, err)
	assert.Equal(t, tablestore.KindOverwrite, snap.CommitKind)

	all := scanAll(t, tbl)
	assert.Equal(t, map[string]string{"c": "new"}, all[p1])
	assert.Equal(t, map[string]string{"a": "kept"}, all[p2])
}

func TestTable_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	tbl := openTable(t, store, tablestore.WithCommitUser("job-1"))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	require.NoError(t, w.Write(ctx, kv.Unpartitioned, kv.KeyValue{Key: []byte("a"), Value: []byte("1")}))
	cm, err := w.PrepareCommit(ctx, true, 7)
	require.NoError(t, err)

	first, err := tbl.NewCommit().Commit(ctx, cm)
	require.NoError(t, err)

	// A restarted process with the same commit user sees the commit.
	again := openTable(t, store, tablestore.WithCommitUser("job-1"))
	pending, err := again.NewCommit().FilterCommitted(ctx, []*tablestore.Committable{cm, tablestore.NewCommittable(8)})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(8), pending[0].Identifier)

	second, err := again.NewCommit().Commit(ctx, cm)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestTable_Expire(t *testing.T) {
	ctx := context.Background()
	o := tablestore.DefaultOptions()
	o.SnapshotNumRetainedMin = 1
	o.SnapshotNumRetainedMax = 2
	tbl := openTable(t, blobstore.NewMemoryStore(), tablestore.WithOptions(o))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	rng := testutil.NewRNG(7)
	model := testutil.NewModel()
	for i := 1; i <= 5; i++ {
		records := rng.Records(50, 30, testutil.RecordOptions{DeleteRate: 0.2})
		model.ApplyAll(records)
		writeBatch(t, tbl, w, uint64(i), kv.Unpartitioned, records)
	}

	stats, err := tbl.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Snapshots)

	earliest, err := tbl.EarliestSnapshotID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), earliest)

	assert.Equal(t, model.Snapshot(), scanAll(t, tbl)[kv.Unpartitioned])
	assert.Equal(t, model.Snapshot(), scanAll(t, tbl, tablestore.ScanSnapshot(5))[kv.Unpartitioned])

	_, err = tbl.ExpireWith(ctx, tablestore.ExpireOptions{RetainMin: 0, RetainMax: 1})
	assert.Error(t, err)
}

func TestTable_RemoveOrphanFiles(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	tbl := openTable(t, store, tablestore.WithBuckets(2))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	model := testutil.NewModel()
	records := testutil.NewRNG(1).Records(100, 40, testutil.RecordOptions{})
	model.ApplyAll(records)
	writeBatch(t, tbl, w, 1, kv.Unpartitioned, records)

	orphan := pathutil.DataFilePath(kv.Unpartitioned, 0, "data-orphan.tsdf")
	require.NoError(t, store.Put(ctx, orphan, []byte("garbage")))
	time.Sleep(5 * time.Millisecond)

	removed, err := tbl.RemoveOrphanFiles(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = tbl.RemoveOrphanFiles(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)

	_, err = store.Stat(ctx, orphan)
	assert.ErrorIs(t, err, tablestore.ErrNotFound)
	assert.Equal(t, model.Snapshot(), scanAll(t, tbl)[kv.Unpartitioned])

	_, err = tbl.RemoveOrphanFiles(ctx, -time.Second)
	assert.ErrorIs(t, err, tablestore.ErrInvalidArgument)
}

func TestTable_Metrics(t *testing.T) {
	metrics := &tablestore.BasicMetricsObserver{}
	tbl := openTable(t, blobstore.NewMemoryStore(), tablestore.WithMetricsObserver(metrics))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	writeBatch(t, tbl, w, 1, kv.Unpartitioned, []kv.KeyValue{{Key: []byte("a"), Value: []byte("1")}})
	writeBatch(t, tbl, w, 2, kv.Unpartitioned, []kv.KeyValue{{Key: []byte("b"), Value: []byte("1")}})

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.CommitCount)
	assert.Zero(t, stats.CommitErrors)
}

func TestTable_Close(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	tbl, err := tablestore.Open(store)
	require.NoError(t, err)

	w, err := tbl.NewWrite()
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, kv.Unpartitioned, kv.KeyValue{Key: []byte("a"), Value: []byte("1")}))

	require.NoError(t, tbl.Close(ctx))
	require.NoError(t, tbl.Close(ctx))

	assert.ErrorIs(t, w.Write(ctx, kv.Unpartitioned, kv.KeyValue{Key: []byte("b")}), tablestore.ErrClosed)
	_, err = tbl.NewWrite()
	assert.ErrorIs(t, err, tablestore.ErrClosed)

	// Uncommitted files are discarded.
	assert.Zero(t, store.Len())
}

func TestTable_InvalidBucket(t *testing.T) {
	tbl := openTable(t, blobstore.NewMemoryStore(), tablestore.WithBuckets(2))
	w, err := tbl.NewWrite()
	require.NoError(t, err)

	err = w.WriteBucket(context.Background(), kv.Unpartitioned, 2, kv.KeyValue{Key: []byte("a")})
	assert.ErrorIs(t, err, tablestore.ErrInvalidArgument)
}

func TestOpen_Invalid(t *testing.T) {
	_, err := tablestore.Open(nil)
	assert.ErrorIs(t, err, tablestore.ErrInvalidArgument)

	_, err = tablestore.Open(blobstore.NewMemoryStore(), tablestore.WithBuckets(0))
	assert.ErrorIs(t, err, tablestore.ErrInvalidArgument)

	_, err = tablestore.Open(blobstore.NewMemoryStore(), tablestore.WithMergeEngine("first-row"))
	assert.ErrorIs(t, err, tablestore.ErrInvalidArgument)
}

// TestNoGoroutineLeaks verifies that background compactions stop when the
// table is closed.
func TestNoGoroutineLeaks(t *testing.T) {
	ctx := context.Background()
	before := runtime.NumGoroutine()

	o := tablestore.DefaultOptions()
	o.Buckets = 4
	o.NumSortedRunCompactionTrigger = 2
	o.CompactionMaxWorkers = 4
	tbl, err := tablestore.Open(blobstore.NewMemoryStore(), tablestore.WithOptions(o))
	require.NoError(t, err)

	w, err := tbl.NewWrite()
	require.NoError(t, err)
	rng := testutil.NewRNG(3)
	for i := 1; i <= 4; i++ {
		for _, r := range rng.Records(100, 50, testutil.RecordOptions{}) {
			require.NoError(t, w.Write(ctx, kv.Unpartitioned, r))
		}
		cm, err := w.PrepareCommit(ctx, false, uint64(i))
		require.NoError(t, err)
		_, err = tbl.NewCommit().Commit(ctx, cm)
		require.NoError(t, err)
	}
	require.NoError(t, tbl.Close(ctx))

	// Give the runtime a moment to reap finished goroutines.
	time.Sleep(100 * time.Millisecond)
	runtime.GC()

	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+2, "goroutines leaked: before=%d after=%d", before, after)
}
