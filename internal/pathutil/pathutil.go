// Package pathutil names every file the table store writes.
//
// Layout relative to the table root:
//
//	snapshot/snapshot-<id>
//	snapshot/EARLIEST
//	snapshot/LATEST
//	manifest/manifest-<uuid>-<n>
//	manifest/manifest-list-<uuid>-<n>
//	<partition>/bucket-<n>/data-<uuid>-<n>.tsdf
//
// Manifest entries store bare file names. The directory of a data file is
// derived from the entry's partition and bucket.
package pathutil

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hupe1980/tablestore/kv"
)

const (
	SnapshotDir  = "snapshot"
	ManifestDir  = "manifest"
	EarliestHint = SnapshotDir + "/EARLIEST"
	LatestHint   = SnapshotDir + "/LATEST"

	snapshotPrefix     = "snapshot-"
	manifestPrefix     = "manifest-"
	manifestListPrefix = "manifest-list-"
	dataPrefix         = "data-"
	bucketPrefix       = "bucket-"

	// DataFileSuffix is the extension of data files.
	DataFileSuffix = ".tsdf"
)

// SnapshotPath returns the path of snapshot id.
func SnapshotPath(id int64) string {
	return SnapshotDir + "/" + snapshotPrefix + strconv.FormatInt(id, 10)
}

// ParseSnapshotPath extracts the snapshot id from a path returned by SnapshotPath.
func ParseSnapshotPath(p string) (int64, bool) {
	base := path.Base(p)
	if path.Dir(p) != SnapshotDir || !strings.HasPrefix(base, snapshotPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(base, snapshotPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ManifestPath returns the path of a manifest file or manifest list by name.
func ManifestPath(name string) string {
	return ManifestDir + "/" + name
}

// BucketDir returns the directory holding a bucket's data files.
func BucketDir(partition kv.Partition, bucket int) string {
	dir := bucketPrefix + strconv.Itoa(bucket)
	if partition == kv.Unpartitioned {
		return dir
	}
	return partition.Path() + "/" + dir
}

// DataFilePath returns the path of a data file by name.
func DataFilePath(partition kv.Partition, bucket int, name string) string {
	return BucketDir(partition, bucket) + "/" + name
}

// IsManifestList reports whether a manifest directory name is a manifest list.
func IsManifestList(name string) bool {
	return strings.HasPrefix(name, manifestListPrefix)
}

// Factory hands out unique file names. Each factory draws a random UUID so
// names from concurrent writers and committers never collide.
type Factory struct {
	uuid         string
	manifests    atomic.Int64
	manifestList atomic.Int64
	dataFiles    atomic.Int64
}

// NewFactory returns a factory with a fresh UUID.
func NewFactory() *Factory {
	return &Factory{uuid: uuid.NewString()}
}

// NewManifestName returns a fresh manifest file name.
func (f *Factory) NewManifestName() string {
	return fmt.Sprintf("%s%s-%d", manifestPrefix, f.uuid, f.manifests.Add(1)-1)
}

// NewManifestListName returns a fresh manifest list name.
func (f *Factory) NewManifestListName() string {
	return fmt.Sprintf("%s%s-%d", manifestListPrefix, f.uuid, f.manifestList.Add(1)-1)
}

// NewDataFileName returns a fresh data file name.
func (f *Factory) NewDataFileName() string {
	return fmt.Sprintf("%s%s-%d%s", dataPrefix, f.uuid, f.dataFiles.Add(1)-1, DataFileSuffix)
}
