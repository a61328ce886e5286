package tablestore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/cache"
	"github.com/hupe1980/tablestore/internal/compress"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/mergetree"
	"github.com/hupe1980/tablestore/internal/operation"
	"github.com/hupe1980/tablestore/internal/pathutil"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/internal/snapshot"
	"github.com/hupe1980/tablestore/kv"
)

type (
	// Snapshot is one committed table version.
	Snapshot = snapshot.Snapshot
	// CommitKind classifies the change a snapshot introduced.
	CommitKind = snapshot.CommitKind
	// Committable aggregates the file changes of all buckets for one commit.
	Committable = operation.Committable
	// Increment is the file change of one bucket.
	Increment = mergetree.Increment
	// DataFileMeta describes one data file.
	DataFileMeta = manifest.DataFileMeta
	// Plan is the resolved set of live files of a snapshot.
	Plan = operation.Plan
	// Split is the set of live files of one bucket.
	Split = operation.Split
	// ScanOption narrows a scan plan.
	ScanOption = operation.ScanOption
	// KeyRange bounds reads to [Start, End). Nil bounds are open.
	KeyRange = mergetree.KeyRange
	// Reader iterates the merged live records of a split in key order.
	Reader = mergetree.MergeReader
	// ExpireOptions is a retention policy.
	ExpireOptions = operation.ExpireOptions
	// ExpireStats reports what an expire pass deleted.
	ExpireStats = operation.ExpireStats
)

// Commit kinds.
const (
	KindAppend    = snapshot.KindAppend
	KindCompact   = snapshot.KindCompact
	KindOverwrite = snapshot.KindOverwrite
)

// NewCommittable returns an empty committable.
func NewCommittable(identifier uint64) *Committable {
	return operation.NewCommittable(identifier)
}

// ScanSnapshot plans the given snapshot instead of the latest.
func ScanSnapshot(id int64) ScanOption { return operation.WithSnapshot(id) }

// ScanPartitions keeps partitions matching spec.
func ScanPartitions(spec map[string]string) ScanOption { return operation.WithPartitions(spec) }

// ScanPartitionFilter keeps partitions accepted by fn.
func ScanPartitionFilter(fn func(kv.Partition) bool) ScanOption {
	return operation.WithPartitionFilter(fn)
}

// ScanBuckets keeps the given buckets.
func ScanBuckets(buckets ...int) ScanOption { return operation.WithBuckets(buckets...) }

// ScanKeyRange keeps keys in [start, end). A nil bound is open.
func ScanKeyRange(start, end []byte) ScanOption { return operation.WithKeyRange(start, end) }

// Table is a snapshot-versioned, partitioned key-value table on a blob store.
//
// All methods are safe for concurrent use. Any number of processes may
// write and commit to the same table; commits are serialized by the
// store's create-if-absent primitive.
type Table struct {
	store     blobstore.BlobStore
	opts      options
	logger    *Logger
	paths     *pathutil.Factory
	rc        *resource.Controller
	cache     *cache.ShardedLRUBlockCache
	snapshots *snapshot.Manager
	manifests *manifest.Store
	scan      *operation.Scan
	expire    *operation.Expire

	mu     sync.Mutex
	writes map[*TableWrite]struct{}
	closed bool
}

// Open opens the table stored in store. A table with no snapshot is empty;
// its first commit creates snapshot 1.
func Open(store blobstore.BlobStore, optFns ...Option) (*Table, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidArgument)
	}
	o := applyOptions(optFns)
	if err := o.table.Validate(); err != nil {
		return nil, err
	}
	if o.commitUser == "" {
		o.commitUser = uuid.NewString()
	}

	t := &Table{
		opts:   o,
		logger: o.logger.WithCommitUser(o.commitUser),
		paths:  pathutil.NewFactory(),
		writes: make(map[*TableWrite]struct{}),
	}

	if o.table.CacheSize > 0 {
		t.cache = cache.NewShardedLRUBlockCache(o.table.CacheSize)
		store = blobstore.NewCachingStore(store, t.cache, int64(o.table.FileBlockSize), blobstore.WithCacheable(isImmutable))
	}
	t.store = store

	t.rc = resource.NewController(resource.Config{
		MemoryLimitBytes:     o.table.WriteBufferSize,
		MaxBackgroundWorkers: o.table.CompactionMaxWorkers,
		IOLimitBytesPerSec:   o.table.CompactionIOBytesPerSec,
		OnBackpressure:       o.metrics.OnBackpressure,
	})
	t.snapshots = snapshot.NewManager(store,
		snapshot.WithLogger(t.logger.Logger),
		snapshot.WithCodec(o.codec))
	t.manifests = manifest.NewStore(store, t.paths, o.table.ManifestTargetFileSize)
	t.scan = operation.NewScan(t.snapshots, t.manifests)
	t.expire = operation.NewExpire(store, t.snapshots, t.manifests, t.logger.Logger, o.metrics, nil)

	return t, nil
}

// isImmutable reports whether a blob never changes once written.
func isImmutable(name string) bool {
	return name != pathutil.EarliestHint && name != pathutil.LatestHint
}

// Options returns the table options.
func (t *Table) Options() Options {
	return t.opts.table
}

// CommitUser returns the identity under which this table handle commits.
func (t *Table) CommitUser() string {
	return t.opts.commitUser
}

// NewWrite returns a writer that continues from the latest snapshot.
func (t *Table) NewWrite() (*TableWrite, error) {
	return t.newWrite(false)
}

// NewOverwrite returns a writer whose buckets start empty. Its
// committables are meant for TableCommit.Overwrite.
func (t *Table) NewOverwrite() (*TableWrite, error) {
	return t.newWrite(true)
}

func (t *Table) newWrite(overwrite bool) (*TableWrite, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	w := &TableWrite{
		table: t,
		w: operation.NewWrite(t.store, t.scan, operation.WriteOptions{
			NumBuckets: t.opts.table.Buckets,
			Writer:     t.writerOptions(),
			Overwrite:  overwrite,
		}),
	}
	t.writes[w] = struct{}{}
	return w, nil
}

func (t *Table) writerOptions() mergetree.Options {
	o := t.opts.table
	// Validated by Open.
	compression, _ := compress.ParseType(o.FileCompression)
	mf, _ := mergetree.MergeFunctionByName(o.MergeEngine)
	return mergetree.Options{
		NumLevels:        o.NumLevels,
		TargetFileSize:   o.TargetFileSize,
		BlockSize:        o.FileBlockSize,
		PageSize:         o.PageSize,
		Compression:      compression,
		MergeFunction:    mf,
		CompactionPolicy: o.compactionPolicy(),
		Resource:         t.rc,
		Paths:            t.paths,
		Logger:           t.logger.Logger,
		Metrics:          t.opts.metrics,
	}
}

// NewCommit returns a committer for this table handle's commit user.
func (t *Table) NewCommit() *TableCommit {
	return &TableCommit{
		table: t,
		c: operation.NewCommit(t.snapshots, t.manifests, operation.CommitOptions{
			CommitUser:            t.opts.commitUser,
			NumBuckets:            t.opts.table.Buckets,
			ManifestMergeMinCount: t.opts.table.ManifestMergeMinCount,
			MaxRetries:            t.opts.table.CommitMaxRetries,
			Logger:                t.logger.Logger,
			Metrics:               t.opts.metrics,
		}),
	}
}

// Plan resolves the live files of the latest snapshot, or of the snapshot
// selected with ScanSnapshot.
func (t *Table) Plan(ctx context.Context, opts ...ScanOption) (*Plan, error) {
	plan, err := t.scan.Plan(ctx, opts...)
	return plan, translateError(err)
}

// NewReader opens a merge-on-read reader over one split.
func (t *Table) NewReader(ctx context.Context, split Split, kr KeyRange) (*Reader, error) {
	mf, _ := mergetree.MergeFunctionByName(t.opts.table.MergeEngine)
	r, err := operation.NewRead(t.store, mf).CreateReader(ctx, split, kr)
	return r, translateError(err)
}

// Row is a live record together with its location.
type Row struct {
	Partition kv.Partition
	Bucket    int
	kv.KeyValue
}

// Scan streams the live records of a plan, split by split in partition
// and bucket order and by key within a split.
//
//	for row, err := range t.Scan(ctx, tablestore.ScanPartitions(spec)) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Printf("%s=%s\n", row.Key, row.Value)
//	}
func (t *Table) Scan(ctx context.Context, opts ...ScanOption) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		plan, err := t.Plan(ctx, opts...)
		if err != nil {
			yield(Row{}, err)
			return
		}
		for _, split := range plan.Splits() {
			if !t.scanSplit(ctx, split, plan.KeyRange, yield) {
				return
			}
		}
	}
}

func (t *Table) scanSplit(ctx context.Context, split Split, kr KeyRange, yield func(Row, error) bool) bool {
	r, err := t.NewReader(ctx, split, kr)
	if err != nil {
		return yield(Row{}, err)
	}
	defer r.Close()

	for r.Next() {
		if !yield(Row{Partition: split.Partition, Bucket: split.Bucket, KeyValue: r.Record()}, nil) {
			return false
		}
	}
	if err := r.Err(); err != nil {
		return yield(Row{}, translateError(err))
	}
	return true
}

// Snapshot reads snapshot id.
func (t *Table) Snapshot(ctx context.Context, id int64) (*Snapshot, error) {
	s, err := t.snapshots.Snapshot(ctx, id)
	return s, translateError(err)
}

// LatestSnapshot returns the latest snapshot, or nil for an empty table.
func (t *Table) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	s, err := t.snapshots.LatestSnapshot(ctx)
	return s, translateError(err)
}

// EarliestSnapshotID returns the smallest existing snapshot id, or 0.
func (t *Table) EarliestSnapshotID(ctx context.Context) (int64, error) {
	id, err := t.snapshots.EarliestSnapshotID(ctx)
	return id, translateError(err)
}

// Snapshots returns all existing snapshots in ascending id order.
func (t *Table) Snapshots(ctx context.Context) ([]*Snapshot, error) {
	s, err := t.snapshots.Snapshots(ctx)
	return s, translateError(err)
}

// Expire applies the table's retention options.
func (t *Table) Expire(ctx context.Context) (ExpireStats, error) {
	return t.ExpireWith(ctx, ExpireOptions{
		RetainMin: t.opts.table.SnapshotNumRetainedMin,
		RetainMax: t.opts.table.SnapshotNumRetainedMax,
		MaxAge:    time.Duration(t.opts.table.SnapshotTimeRetained),
	})
}

// ExpireWith applies an explicit retention policy.
func (t *Table) ExpireWith(ctx context.Context, opts ExpireOptions) (ExpireStats, error) {
	stats, err := t.expire.Expire(ctx, opts)
	err = translateError(err)
	t.logger.LogExpire(ctx, stats, err)
	return stats, err
}

// RemoveOrphanFiles deletes files that no snapshot references and that
// are older than olderThan. olderThan must exceed the longest commit, or
// files of a commit in flight may be removed.
func (t *Table) RemoveOrphanFiles(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, fmt.Errorf("%w: negative age %s", ErrInvalidArgument, olderThan)
	}
	n, err := t.expire.RemoveOrphanFiles(ctx, olderThan)
	err = translateError(err)
	t.logger.LogOrphans(ctx, n, err)
	return n, err
}

// MemoryUsage returns the bytes currently reserved by write buffers.
func (t *Table) MemoryUsage() int64 {
	return t.rc.MemoryUsage()
}

// Close closes all open writers, discarding uncommitted files, and
// releases the block cache.
func (t *Table) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	writes := make([]*TableWrite, 0, len(t.writes))
	for w := range t.writes {
		writes = append(writes, w)
	}
	t.mu.Unlock()

	var errs []error
	for _, w := range writes {
		errs = append(errs, w.Close(ctx))
	}
	if t.cache != nil {
		errs = append(errs, t.cache.Close())
	}
	return errors.Join(errs...)
}

func (t *Table) forget(w *TableWrite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.writes, w)
}

// TableWrite buffers records for all buckets and prepares committables.
type TableWrite struct {
	table *Table
	w     *operation.Write
	once  sync.Once
}

// Write adds a record to the bucket its key hashes to.
func (w *TableWrite) Write(ctx context.Context, partition kv.Partition, r kv.KeyValue) error {
	return translateError(w.w.Write(ctx, partition, r))
}

// WriteBucket adds a record to an explicit bucket.
func (w *TableWrite) WriteBucket(ctx context.Context, partition kv.Partition, bucket int, r kv.KeyValue) error {
	return translateError(w.w.WriteBucket(ctx, partition, bucket, r))
}

// PrepareCommit flushes all buffers and returns their file changes.
// waitCompaction blocks until running compactions finish so their result
// is included; overwrites should pass true.
func (w *TableWrite) PrepareCommit(ctx context.Context, waitCompaction bool, identifier uint64) (*Committable, error) {
	cm, err := w.w.PrepareCommit(ctx, waitCompaction, identifier)
	return cm, translateError(err)
}

// Sync waits for running compactions.
func (w *TableWrite) Sync(ctx context.Context) error {
	return translateError(w.w.Sync(ctx))
}

// Close closes the writer and discards uncommitted files.
func (w *TableWrite) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		err = translateError(w.w.Close(ctx))
		w.table.forget(w)
	})
	return err
}

// TableCommit turns committables into snapshots.
type TableCommit struct {
	table *Table
	c     *operation.Commit
}

// Commit appends the committable as a new snapshot. Committing an
// identifier that this commit user already committed returns the existing
// snapshot.
func (c *TableCommit) Commit(ctx context.Context, cm *Committable) (*Snapshot, error) {
	snap, err := c.c.Commit(ctx, cm)
	err = translateError(err)
	c.table.logger.LogCommit(ctx, cm.Identifier, snap, err)
	return snap, err
}

// Overwrite replaces the partitions matching spec with the committable's
// files. An empty spec overwrites the whole table.
func (c *TableCommit) Overwrite(ctx context.Context, spec map[string]string, cm *Committable) (*Snapshot, error) {
	snap, err := c.c.Overwrite(ctx, spec, cm)
	err = translateError(err)
	c.table.logger.LogCommit(ctx, cm.Identifier, snap, err)
	return snap, err
}

// FilterCommitted drops committables that were already committed, for
// recovery after a crash between commit and acknowledgement.
func (c *TableCommit) FilterCommitted(ctx context.Context, cms []*Committable) ([]*Committable, error) {
	out, err := c.c.FilterCommitted(ctx, cms)
	return out, translateError(err)
}
