package operation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/tablestore/internal/pathutil"
)

// RemoveOrphanFiles deletes objects that no existing snapshot references
// and that were last modified before now minus olderThan. Objects younger
// than that may belong to a commit in flight and are kept.
func (e *Expire) RemoveOrphanFiles(ctx context.Context, olderThan time.Duration) (int, error) {
	referenced, err := e.referencedFiles(ctx)
	if err != nil {
		return 0, err
	}

	names, err := e.store.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list table files: %w", err)
	}

	cutoff := e.now().Add(-olderThan)
	removed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if strings.HasPrefix(name, pathutil.SnapshotDir+"/") {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		info, err := e.store.Stat(ctx, name)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return removed, err
		}
		if !info.ModTime.Before(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, name); err != nil {
			return removed, fmt.Errorf("delete orphan %s: %w", name, err)
		}
		e.logger.Debug("Removed orphan file", "file", name, "modified", info.ModTime)
		removed++
	}

	if removed > 0 {
		e.logger.Info("Removed orphan files", "count", removed)
	}
	return removed, nil
}

// referencedFiles returns the paths of every manifest list, manifest and
// data file reachable from an existing snapshot.
func (e *Expire) referencedFiles(ctx context.Context) (map[string]struct{}, error) {
	snaps, err := e.snapshots.Snapshots(ctx)
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{})
	seenManifests := make(map[string]struct{})
	for _, snap := range snaps {
		for _, list := range snap.ManifestLists() {
			referenced[pathutil.ManifestPath(list)] = struct{}{}

			metas, err := e.manifests.ReadList(ctx, list)
			if err != nil {
				return nil, fmt.Errorf("snapshot %d: %w", snap.ID, err)
			}
			for _, m := range metas {
				if _, ok := seenManifests[m.FileName]; ok {
					continue
				}
				seenManifests[m.FileName] = struct{}{}
				referenced[pathutil.ManifestPath(m.FileName)] = struct{}{}

				entries, err := e.manifests.Read(ctx, m.FileName)
				if err != nil {
					return nil, fmt.Errorf("snapshot %d: %w", snap.ID, err)
				}
				for _, entry := range entries {
					referenced[pathutil.DataFilePath(entry.Partition, entry.Bucket, entry.File.FileName)] = struct{}{}
				}
			}
		}
	}
	return referenced, nil
}
