package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/snapshot"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/observer"
)

const (
	// DefaultCommitMaxRetries bounds the attempts of one commit.
	DefaultCommitMaxRetries = 10
	// DefaultManifestMergeMinCount is the number of small manifests that
	// triggers a merge of the base manifest list.
	DefaultManifestMergeMinCount = 30

	minBackoff = 5 * time.Millisecond
	maxBackoff = 500 * time.Millisecond
)

// CommitOptions configures a Commit.
type CommitOptions struct {
	// CommitUser identifies the committer for idempotency checks.
	CommitUser string
	// NumBuckets is the bucket count recorded in manifest entries.
	NumBuckets            int
	ManifestMergeMinCount int
	MaxRetries            int
	Logger                *slog.Logger
	Metrics               observer.MetricsObserver
	// Now returns the commit time. Defaults to time.Now.
	Now func() time.Time
}

// Commit turns committables into snapshots. Concurrent committers race on
// the create-if-absent write of the next snapshot file; losers clean up
// and retry against the new latest snapshot.
type Commit struct {
	snapshots *snapshot.Manager
	manifests *manifest.Store
	scan      *Scan
	opts      CommitOptions
}

// NewCommit creates a commit coordinator.
func NewCommit(snapshots *snapshot.Manager, manifests *manifest.Store, opts CommitOptions) *Commit {
	if opts.NumBuckets <= 0 {
		opts.NumBuckets = 1
	}
	if opts.ManifestMergeMinCount <= 0 {
		opts.ManifestMergeMinCount = DefaultManifestMergeMinCount
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultCommitMaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Metrics = observer.OrNoop(opts.Metrics)
	return &Commit{
		snapshots: snapshots,
		manifests: manifests,
		scan:      NewScan(snapshots, manifests),
		opts:      opts,
	}
}

// Commit appends the committable as a new snapshot. If a snapshot with the
// same user and identifier exists, it is returned instead.
func (c *Commit) Commit(ctx context.Context, cm *Committable) (*snapshot.Snapshot, error) {
	hasAppend, hasCompaction := cm.changes()
	kind := snapshot.KindAppend
	if !hasAppend && hasCompaction {
		kind = snapshot.KindCompact
	}

	entries := cm.entries(c.opts.NumBuckets)
	return c.run(ctx, cm, kind, func(ctx context.Context, latest *snapshot.Snapshot) ([]manifest.Entry, error) {
		if err := c.checkConflicts(ctx, latest, entries); err != nil {
			return nil, err
		}
		return entries, nil
	})
}

// Overwrite atomically replaces the contents of the partitions matching
// spec with the committable's files. An empty spec overwrites the table.
// The committable must only add files to matching partitions.
func (c *Commit) Overwrite(ctx context.Context, spec map[string]string, cm *Committable) (*snapshot.Snapshot, error) {
	var added []manifest.Entry
	for _, e := range cm.entries(c.opts.NumBuckets) {
		if e.Kind == manifest.Delete {
			return nil, fmt.Errorf("%w: overwrite retracts file %s", ErrInvalidCommit, e.Identifier())
		}
		if !e.Partition.Matches(spec) {
			return nil, fmt.Errorf("%w: partition %s is not overwritten by %v", ErrInvalidCommit, e.Partition, spec)
		}
		added = append(added, e)
	}

	return c.run(ctx, cm, snapshot.KindOverwrite, func(ctx context.Context, latest *snapshot.Snapshot) ([]manifest.Entry, error) {
		var entries []manifest.Entry
		if latest != nil {
			live, err := c.scan.liveEntries(ctx, latest, &scanOptions{
				partitionFilter: func(p kv.Partition) bool { return p.Matches(spec) },
			})
			if err != nil {
				return nil, err
			}
			for _, e := range live {
				e.Kind = manifest.Delete
				entries = append(entries, e)
			}
		}
		return append(entries, added...), nil
	})
}

// FilterCommitted drops the committables whose identifier was already
// committed by this user. Identifiers must increase per user.
func (c *Commit) FilterCommitted(ctx context.Context, cms []*Committable) ([]*Committable, error) {
	latest, err := c.snapshots.LatestSnapshotID(ctx)
	if err != nil {
		return nil, err
	}
	for id := latest; id >= snapshot.FirstSnapshotID; id-- {
		s, err := c.snapshots.Snapshot(ctx, id)
		if err != nil {
			if isNotFound(err) {
				break
			}
			return nil, err
		}
		if s.CommitUser != c.opts.CommitUser {
			continue
		}
		var out []*Committable
		for _, cm := range cms {
			if cm.Identifier > s.CommitIdentifier {
				out = append(out, cm)
			}
		}
		return out, nil
	}
	return cms, nil
}

type deltaFunc func(ctx context.Context, latest *snapshot.Snapshot) ([]manifest.Entry, error)

func (c *Commit) run(ctx context.Context, cm *Committable, kind snapshot.CommitKind, delta deltaFunc) (snap *snapshot.Snapshot, err error) {
	start := time.Now()
	attempts := 0
	defer func() {
		c.opts.Metrics.OnCommit(time.Since(start), string(kind), attempts, err)
	}()

	var checkedUpTo int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts++

		latest, err := c.snapshots.LatestSnapshot(ctx)
		if err != nil {
			return nil, err
		}

		existing, err := c.findCommitted(ctx, latest, cm.Identifier, checkedUpTo)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			c.opts.Logger.Info("Commit already present", "snapshot", existing.ID, "identifier", cm.Identifier)
			return existing, nil
		}
		if latest != nil {
			checkedUpTo = latest.ID
		}

		committed, err := c.tryCommit(ctx, cm, kind, latest, delta)
		if err != nil {
			return nil, err
		}
		if committed != nil {
			c.opts.Logger.Info("Committed snapshot",
				"snapshot", committed.ID,
				"kind", committed.CommitKind,
				"identifier", committed.CommitIdentifier,
				"attempts", attempts)
			return committed, nil
		}

		if attempts >= c.opts.MaxRetries {
			return nil, fmt.Errorf("%w: %d attempts", ErrCommitRetriesExhausted, attempts)
		}
		c.opts.Logger.Debug("Commit lost race, retrying", "attempt", attempts)
		if err := sleep(ctx, backoff(attempts)); err != nil {
			return nil, err
		}
	}
}

// tryCommit performs one attempt. It returns nil without error if another
// committer created the snapshot first; the attempt's files are deleted.
func (c *Commit) tryCommit(ctx context.Context, cm *Committable, kind snapshot.CommitKind, latest *snapshot.Snapshot, delta deltaFunc) (*snapshot.Snapshot, error) {
	entries, err := delta(ctx, latest)
	if err != nil {
		return nil, err
	}

	var (
		newID      = snapshot.FirstSnapshotID
		previous   []manifest.FileMeta
		totalCount int64
	)
	if latest != nil {
		newID = latest.ID + 1
		totalCount = latest.TotalRecordCount
		previous, err = c.scan.manifestsOf(ctx, latest)
		if err != nil {
			return nil, err
		}
	}

	var (
		created   []manifest.FileMeta
		lists     []string
		committed bool
	)
	defer func() {
		if committed {
			return
		}
		cleanup := context.WithoutCancel(ctx)
		for _, m := range created {
			_ = c.manifests.Delete(cleanup, m.FileName)
		}
		for _, name := range lists {
			_ = c.manifests.Delete(cleanup, name)
		}
	}()

	deltaMetas, err := c.manifests.Write(ctx, entries)
	created = append(created, deltaMetas...)
	if err != nil {
		return nil, err
	}

	base, merged, err := c.manifests.Merge(ctx, previous, c.opts.ManifestMergeMinCount)
	created = append(created, merged...)
	if err != nil {
		return nil, err
	}

	baseList, err := c.manifests.WriteList(ctx, base)
	if err != nil {
		return nil, err
	}
	lists = append(lists, baseList)
	deltaList, err := c.manifests.WriteList(ctx, deltaMetas)
	if err != nil {
		return nil, err
	}
	lists = append(lists, deltaList)

	deltaCount := recordCount(entries)
	snap := &snapshot.Snapshot{
		ID:                newID,
		BaseManifestList:  baseList,
		DeltaManifestList: deltaList,
		CommitUser:        c.opts.CommitUser,
		CommitIdentifier:  cm.Identifier,
		CommitKind:        kind,
		TimeMillis:        c.opts.Now().UnixMilli(),
		LogOffsets:        cm.LogOffsets,
		TotalRecordCount:  totalCount + deltaCount,
		DeltaRecordCount:  deltaCount,
	}

	ok, err := c.snapshots.TryCommit(ctx, snap)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	committed = true
	return snap, nil
}

// checkConflicts fails if a DELETE entry targets a file that is not live in
// latest.
func (c *Commit) checkConflicts(ctx context.Context, latest *snapshot.Snapshot, entries []manifest.Entry) error {
	var deletes []manifest.Entry
	for _, e := range entries {
		if e.Kind == manifest.Delete {
			deletes = append(deletes, e)
		}
	}
	if len(deletes) == 0 {
		return nil
	}
	if latest == nil {
		return fmt.Errorf("%w: file %s is not live in an empty table", ErrConflict, deletes[0].Identifier())
	}

	partitions := make(map[kv.Partition]struct{})
	for _, e := range deletes {
		partitions[e.Partition] = struct{}{}
	}
	live, err := c.scan.liveEntries(ctx, latest, &scanOptions{
		partitionFilter: func(p kv.Partition) bool {
			_, ok := partitions[p]
			return ok
		},
	})
	if err != nil {
		return err
	}

	// Files added earlier in the same delta may be retracted by it.
	liveIDs := make(map[manifest.Identifier]struct{}, len(live))
	for _, e := range live {
		liveIDs[e.Identifier()] = struct{}{}
	}
	for _, e := range entries {
		id := e.Identifier()
		if e.Kind == manifest.Add {
			liveIDs[id] = struct{}{}
			continue
		}
		if _, ok := liveIDs[id]; !ok {
			return fmt.Errorf("%w: file %s is not live in snapshot %d", ErrConflict, id, latest.ID)
		}
		delete(liveIDs, id)
	}
	return nil
}

// findCommitted walks back from latest to the first snapshot above
// checkedUpTo and returns the snapshot of this user with identifier, if any.
// It stops early at a snapshot of this user with a smaller identifier.
func (c *Commit) findCommitted(ctx context.Context, latest *snapshot.Snapshot, identifier uint64, checkedUpTo int64) (*snapshot.Snapshot, error) {
	if latest == nil {
		return nil, nil
	}
	for id := latest.ID; id > checkedUpTo && id >= snapshot.FirstSnapshotID; id-- {
		s := latest
		if id != latest.ID {
			var err error
			s, err = c.snapshots.Snapshot(ctx, id)
			if err != nil {
				if isNotFound(err) {
					// Expired concurrently; nothing older can match.
					return nil, nil
				}
				return nil, err
			}
		}
		if s.CommitUser != c.opts.CommitUser {
			continue
		}
		if s.CommitIdentifier == identifier {
			return s, nil
		}
		if s.CommitIdentifier < identifier {
			return nil, nil
		}
	}
	return nil, nil
}

func recordCount(entries []manifest.Entry) int64 {
	var n int64
	for _, e := range entries {
		if e.Kind == manifest.Add {
			n += e.File.RowCount
		} else {
			n -= e.File.RowCount
		}
	}
	return n
}

func backoff(attempt int) time.Duration {
	d := minBackoff << min(attempt, 10)
	d = min(d, maxBackoff)
	return d/2 + rand.N(d/2+1)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, blobstore.ErrNotFound)
}
