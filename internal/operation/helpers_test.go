package operation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/mergetree"
	"github.com/hupe1980/tablestore/internal/pathutil"
	"github.com/hupe1980/tablestore/internal/snapshot"
	"github.com/hupe1980/tablestore/kv"
)

const testBuckets = 2

// noCompaction never picks anything.
type noCompaction struct{}

func (noCompaction) Pick(int, []mergetree.LevelSortedRun) *mergetree.CompactUnit { return nil }

type testTable struct {
	t         *testing.T
	store     *blobstore.MemoryStore
	paths     *pathutil.Factory
	snapshots *snapshot.Manager
	manifests *manifest.Store
	scan      *Scan

	mu    sync.Mutex
	clock time.Time
}

func newTestTable(t *testing.T) *testTable {
	t.Helper()
	store := blobstore.NewMemoryStore()
	paths := pathutil.NewFactory()
	snapshots := snapshot.NewManager(store)
	manifests := manifest.NewStore(store, paths, 0)
	tt := &testTable{
		t:         t,
		store:     store,
		paths:     paths,
		snapshots: snapshots,
		manifests: manifests,
		scan:      NewScan(snapshots, manifests),
		clock:     time.UnixMilli(1_700_000_000_000),
	}
	store.SetClock(tt.now)
	return tt
}

func (tt *testTable) now() time.Time {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.clock
}

func (tt *testTable) setNow(ts time.Time) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.clock = ts
}

func (tt *testTable) commit(user string) *Commit {
	return NewCommit(tt.snapshots, tt.manifests, CommitOptions{
		CommitUser: user,
		NumBuckets: testBuckets,
		Now:        tt.now,
	})
}

func (tt *testTable) newWrite(policy mergetree.CompactionPolicy, overwrite bool) *Write {
	tt.t.Helper()
	w := NewWrite(tt.store, tt.scan, WriteOptions{
		NumBuckets: testBuckets,
		Overwrite:  overwrite,
		Writer: mergetree.Options{
			CompactionPolicy: policy,
			Paths:            tt.paths,
		},
	})
	tt.t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func (tt *testTable) expire() *Expire {
	return NewExpire(tt.store, tt.snapshots, tt.manifests, nil, nil, tt.now)
}

// writeAndCommit writes records through w and commits them as identifier.
func (tt *testTable) writeAndCommit(w *Write, c *Commit, identifier uint64, partition kv.Partition, records ...kv.KeyValue) *snapshot.Snapshot {
	tt.t.Helper()
	ctx := context.Background()
	for _, r := range records {
		require.NoError(tt.t, w.Write(ctx, partition, r))
	}
	cm, err := w.PrepareCommit(ctx, true, identifier)
	require.NoError(tt.t, err)
	snap, err := c.Commit(ctx, cm)
	require.NoError(tt.t, err)
	return snap
}

// readAll replays merge-on-read over every split of the plan.
func (tt *testTable) readAll(plan *Plan) map[kv.Partition]map[string]string {
	tt.t.Helper()
	ctx := context.Background()
	read := NewRead(tt.store, nil)

	out := make(map[kv.Partition]map[string]string)
	for _, split := range plan.Splits() {
		r, err := read.CreateReader(ctx, split, plan.KeyRange)
		require.NoError(tt.t, err)
		for r.Next() {
			rows, ok := out[split.Partition]
			if !ok {
				rows = make(map[string]string)
				out[split.Partition] = rows
			}
			rows[string(r.Record().Key)] = string(r.Record().Value)
		}
		require.NoError(tt.t, r.Err())
		require.NoError(tt.t, r.Close())
	}
	return out
}

func (tt *testTable) readLatest() map[kv.Partition]map[string]string {
	tt.t.Helper()
	plan, err := tt.scan.Plan(context.Background())
	require.NoError(tt.t, err)
	return tt.readAll(plan)
}

func insert(key, value string) kv.KeyValue {
	return kv.KeyValue{Key: []byte(key), Kind: kv.Insert, Value: []byte(value)}
}

func remove(key string) kv.KeyValue {
	return kv.KeyValue{Key: []byte(key), Kind: kv.Delete}
}
