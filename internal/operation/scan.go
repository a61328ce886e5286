package operation

import (
	"context"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/mergetree"
	"github.com/hupe1980/tablestore/internal/snapshot"
	"github.com/hupe1980/tablestore/kv"
)

// Scan resolves snapshots into the data files a reader must open.
// It only reads immutable committed state and is safe for concurrent use.
type Scan struct {
	snapshots *snapshot.Manager
	manifests *manifest.Store
}

// NewScan creates a scan planner.
func NewScan(snapshots *snapshot.Manager, manifests *manifest.Store) *Scan {
	return &Scan{snapshots: snapshots, manifests: manifests}
}

type scanOptions struct {
	snapshotID      int64
	manifestList    []manifest.FileMeta
	hasManifestList bool
	partitionFilter func(kv.Partition) bool
	buckets         *roaring.Bitmap
	keyRange        mergetree.KeyRange
}

// ScanOption configures a plan.
type ScanOption func(*scanOptions)

// WithSnapshot plans the given snapshot instead of the latest one.
func WithSnapshot(id int64) ScanOption {
	return func(o *scanOptions) {
		o.snapshotID = id
	}
}

// WithManifestList plans an explicit list of manifests.
func WithManifestList(metas []manifest.FileMeta) ScanOption {
	return func(o *scanOptions) {
		o.manifestList = metas
		o.hasManifestList = true
	}
}

// WithPartitionFilter keeps partitions accepted by filter.
func WithPartitionFilter(filter func(kv.Partition) bool) ScanOption {
	return func(o *scanOptions) {
		o.partitionFilter = filter
	}
}

// WithPartitions keeps partitions matching spec.
func WithPartitions(spec map[string]string) ScanOption {
	return func(o *scanOptions) {
		if len(spec) == 0 {
			return
		}
		o.partitionFilter = func(p kv.Partition) bool { return p.Matches(spec) }
	}
}

// WithBuckets keeps the given buckets.
func WithBuckets(buckets ...int) ScanOption {
	return func(o *scanOptions) {
		if o.buckets == nil {
			o.buckets = roaring.New()
		}
		for _, b := range buckets {
			o.buckets.Add(uint32(b))
		}
	}
}

// WithKeyRange keeps files that may hold keys in [start, end).
// A nil bound is open.
func WithKeyRange(start, end []byte) ScanOption {
	return func(o *scanOptions) {
		o.keyRange = mergetree.KeyRange{Start: start, End: end}
	}
}

// Plan is the resolved set of live files.
type Plan struct {
	// SnapshotID is the planned snapshot, or 0 for an explicit manifest
	// list or an empty table.
	SnapshotID int64
	// Entries holds the ADD entries of the live files in manifest order.
	Entries []manifest.Entry
	// KeyRange is the key range readers should apply.
	KeyRange mergetree.KeyRange
}

// Split is the set of files of one bucket.
type Split struct {
	Partition kv.Partition
	Bucket    int
	Files     []manifest.DataFileMeta
}

// Splits groups the plan's files by partition and bucket, ordered by
// partition and then bucket.
func (p *Plan) Splits() []Split {
	index := make(map[bucketKey]int)
	var splits []Split
	for _, e := range p.Entries {
		k := bucketKey{partition: e.Partition, bucket: e.Bucket}
		i, ok := index[k]
		if !ok {
			i = len(splits)
			index[k] = i
			splits = append(splits, Split{Partition: e.Partition, Bucket: e.Bucket})
		}
		splits[i].Files = append(splits[i].Files, e.File)
	}
	slices.SortFunc(splits, func(a, b Split) int {
		return compareBucketKeys(bucketKey{a.Partition, a.Bucket}, bucketKey{b.Partition, b.Bucket})
	})
	return splits
}

// Files returns the metadata of all live files.
func (p *Plan) Files() []manifest.DataFileMeta {
	files := make([]manifest.DataFileMeta, len(p.Entries))
	for i, e := range p.Entries {
		files[i] = e.File
	}
	return files
}

// Plan resolves the live files of a snapshot (the latest by default).
// Missing or corrupt manifests fail the plan.
func (s *Scan) Plan(ctx context.Context, optFns ...ScanOption) (*Plan, error) {
	var o scanOptions
	for _, fn := range optFns {
		fn(&o)
	}

	if o.hasManifestList {
		entries, err := s.resolve(ctx, o.manifestList, &o)
		if err != nil {
			return nil, err
		}
		return &Plan{Entries: entries, KeyRange: o.keyRange}, nil
	}

	var (
		snap *snapshot.Snapshot
		err  error
	)
	if o.snapshotID > 0 {
		snap, err = s.snapshots.Snapshot(ctx, o.snapshotID)
	} else {
		snap, err = s.snapshots.LatestSnapshot(ctx)
	}
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return &Plan{KeyRange: o.keyRange}, nil
	}

	entries, err := s.liveEntries(ctx, snap, &o)
	if err != nil {
		return nil, err
	}
	return &Plan{SnapshotID: snap.ID, Entries: entries, KeyRange: o.keyRange}, nil
}

// manifestsOf returns the base and delta manifests of a snapshot.
func (s *Scan) manifestsOf(ctx context.Context, snap *snapshot.Snapshot) ([]manifest.FileMeta, error) {
	base, err := s.manifests.ReadList(ctx, snap.BaseManifestList)
	if err != nil {
		return nil, err
	}
	delta, err := s.manifests.ReadList(ctx, snap.DeltaManifestList)
	if err != nil {
		return nil, err
	}
	return append(base, delta...), nil
}

func (s *Scan) liveEntries(ctx context.Context, snap *snapshot.Snapshot, o *scanOptions) ([]manifest.Entry, error) {
	metas, err := s.manifestsOf(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", snap.ID, err)
	}
	entries, err := s.resolve(ctx, metas, o)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", snap.ID, err)
	}
	return entries, nil
}

func (s *Scan) resolve(ctx context.Context, metas []manifest.FileMeta, o *scanOptions) ([]manifest.Entry, error) {
	if o.partitionFilter != nil {
		kept := metas[:0:0]
		for _, m := range metas {
			if m.MayContain(o.partitionFilter) {
				kept = append(kept, m)
			}
		}
		metas = kept
	}

	entries, err := s.manifests.ReadAll(ctx, metas)
	if err != nil {
		return nil, err
	}

	filtered := entries[:0]
	for _, e := range entries {
		if o.partitionFilter != nil && !o.partitionFilter(e.Partition) {
			continue
		}
		if o.buckets != nil && !o.buckets.Contains(uint32(e.Bucket)) {
			continue
		}
		filtered = append(filtered, e)
	}

	live, err := manifest.LiveFiles(filtered)
	if err != nil {
		return nil, err
	}
	if o.keyRange.Start == nil && o.keyRange.End == nil {
		return live, nil
	}
	inRange := live[:0]
	for _, e := range live {
		if o.keyRange.Overlaps(e.File) {
			inRange = append(inRange, e)
		}
	}
	return inRange, nil
}
