package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/pathutil"
	"github.com/hupe1980/tablestore/internal/snapshot"
	"github.com/hupe1980/tablestore/observer"
)

const deleteParallelism = 16

// ExpireOptions is the retention policy of an expire pass.
type ExpireOptions struct {
	// RetainMin snapshots are always kept regardless of age. Must be >= 1.
	RetainMin int
	// RetainMax caps the number of retained snapshots.
	RetainMax int
	// MaxAge is the age beyond which snapshots become eligible for deletion.
	MaxAge time.Duration
}

// ExpireStats reports what an expire pass deleted.
type ExpireStats struct {
	Snapshots     int
	DataFiles     int
	Manifests     int
	ManifestLists int
}

// Expire deletes snapshots outside the retention policy together with the
// files no retained snapshot references.
type Expire struct {
	store     blobstore.BlobStore
	snapshots *snapshot.Manager
	manifests *manifest.Store
	logger    *slog.Logger
	metrics   observer.MetricsObserver
	now       func() time.Time
}

// NewExpire creates an expire operation. A nil now defaults to time.Now.
func NewExpire(store blobstore.BlobStore, snapshots *snapshot.Manager, manifests *manifest.Store, logger *slog.Logger, metrics observer.MetricsObserver, now func() time.Time) *Expire {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if now == nil {
		now = time.Now
	}
	return &Expire{
		store:     store,
		snapshots: snapshots,
		manifests: manifests,
		logger:    logger,
		metrics:   observer.OrNoop(metrics),
		now:       now,
	}
}

// Expire runs one pass of the retention policy.
func (e *Expire) Expire(ctx context.Context, opts ExpireOptions) (stats ExpireStats, err error) {
	if opts.RetainMin < 1 {
		return stats, fmt.Errorf("retain min must be at least 1, got %d", opts.RetainMin)
	}
	if opts.RetainMax < opts.RetainMin {
		return stats, fmt.Errorf("retain max %d is less than retain min %d", opts.RetainMax, opts.RetainMin)
	}

	start := time.Now()
	defer func() {
		e.metrics.OnExpire(time.Since(start), stats.Snapshots, stats.DataFiles+stats.Manifests+stats.ManifestLists, err)
	}()

	latest, err := e.snapshots.LatestSnapshotID(ctx)
	if err != nil || latest == 0 {
		return stats, err
	}
	earliest, err := e.snapshots.EarliestSnapshotID(ctx)
	if err != nil {
		return stats, err
	}

	minRetained := int64(opts.RetainMin)
	floor := max(latest-int64(opts.RetainMax)+1, earliest)
	cutoff := e.now().Add(-opts.MaxAge)

	for id := floor; id <= latest-minRetained; id++ {
		ok, err := e.snapshots.Exists(ctx, id)
		if err != nil {
			return stats, err
		}
		if !ok {
			continue
		}
		snap, err := e.snapshots.Snapshot(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return stats, err
		}
		if !snap.Time().Before(cutoff) {
			return e.expireUntil(ctx, earliest, id)
		}
	}
	return e.expireUntil(ctx, earliest, latest-minRetained+1)
}

// expireUntil deletes snapshots [earliest, end) and their unreferenced files.
func (e *Expire) expireUntil(ctx context.Context, earliest, end int64) (ExpireStats, error) {
	var stats ExpireStats
	if end <= earliest {
		return stats, nil
	}

	// Start after the highest missing snapshot below end.
	begin := earliest
	for id := end - 1; id >= earliest; id-- {
		ok, err := e.snapshots.Exists(ctx, id)
		if err != nil {
			return stats, err
		}
		if !ok {
			begin = id + 1
			break
		}
	}

	manifestCache := make(map[int64]map[string]struct{})
	manifestsOf := func(id int64) (map[string]struct{}, *snapshot.Snapshot, error) {
		snap, err := e.snapshots.Snapshot(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if names, ok := manifestCache[id]; ok {
			return names, snap, nil
		}
		names, err := e.manifestNames(ctx, snap)
		if err != nil {
			return nil, nil, err
		}
		manifestCache[id] = names
		return names, snap, nil
	}

	for id := begin; id < end; id++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		n, err := e.deleteDataFiles(ctx, id+1)
		if err != nil {
			return stats, err
		}
		stats.DataFiles += n

		current, snap, err := manifestsOf(id)
		if err != nil {
			return stats, fmt.Errorf("expire snapshot %d: %w", id, err)
		}
		next, _, err := manifestsOf(id + 1)
		if err != nil {
			return stats, fmt.Errorf("expire snapshot %d: %w", id, err)
		}
		for name := range current {
			if _, ok := next[name]; ok {
				continue
			}
			if err := e.manifests.Delete(ctx, name); err != nil {
				return stats, err
			}
			stats.Manifests++
		}
		delete(manifestCache, id)

		for _, list := range snap.ManifestLists() {
			if err := e.manifests.Delete(ctx, list); err != nil {
				return stats, err
			}
			stats.ManifestLists++
		}

		if err := e.snapshots.Delete(ctx, id); err != nil {
			return stats, err
		}
		stats.Snapshots++

		if err := e.snapshots.CommitEarliestHint(ctx, id+1); err != nil {
			e.logger.Warn("Failed to update earliest hint", "snapshot", id+1, "error", err)
		}
	}

	if stats.Snapshots > 0 {
		e.logger.Info("Expired snapshots",
			"from", begin, "to", end-1,
			"data_files", stats.DataFiles,
			"manifests", stats.Manifests)
	}
	return stats, nil
}

// deleteDataFiles deletes the files that the delta of snapshot id retired.
// A file that is deleted and added again in the same delta, as an upgrade
// does, stays.
func (e *Expire) deleteDataFiles(ctx context.Context, id int64) (int, error) {
	snap, err := e.snapshots.Snapshot(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("expire delta of snapshot %d: %w", id, err)
	}
	metas, err := e.manifests.ReadList(ctx, snap.DeltaManifestList)
	if err != nil {
		return 0, fmt.Errorf("expire delta of snapshot %d: %w", id, err)
	}
	entries, err := e.manifests.ReadAll(ctx, metas)
	if err != nil {
		return 0, fmt.Errorf("expire delta of snapshot %d: %w", id, err)
	}

	retired := make(map[string]struct{})
	for _, entry := range entries {
		p := pathutil.DataFilePath(entry.Partition, entry.Bucket, entry.File.FileName)
		if entry.Kind == manifest.Delete {
			retired[p] = struct{}{}
		} else {
			delete(retired, p)
		}
	}

	paths := make([]string, 0, len(retired))
	for p := range retired {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteParallelism)
	for _, p := range paths {
		g.Go(func() error {
			if err := e.store.Delete(gctx, p); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				return fmt.Errorf("delete data file %s: %w", p, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(paths), nil
}

func (e *Expire) manifestNames(ctx context.Context, snap *snapshot.Snapshot) (map[string]struct{}, error) {
	names := make(map[string]struct{})
	for _, list := range snap.ManifestLists() {
		metas, err := e.manifests.ReadList(ctx, list)
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			names[m.FileName] = struct{}{}
		}
	}
	return names, nil
}
