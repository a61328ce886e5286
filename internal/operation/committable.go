package operation

import (
	"slices"

	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/mergetree"
	"github.com/hupe1980/tablestore/kv"
)

// Committable aggregates the increments of all writers for one commit.
type Committable struct {
	// Identifier is assigned by the caller and increases per commit user.
	// Committing the same identifier twice creates a single snapshot.
	Identifier uint64
	// LogOffsets records the source offsets the commit covers, by bucket.
	LogOffsets map[int]int64
	// Increments holds the file changes by partition and bucket.
	Increments map[kv.Partition]map[int]mergetree.Increment
}

// NewCommittable returns an empty committable.
func NewCommittable(identifier uint64) *Committable {
	return &Committable{
		Identifier: identifier,
		LogOffsets: make(map[int]int64),
		Increments: make(map[kv.Partition]map[int]mergetree.Increment),
	}
}

// Add records the increment of a bucket. Increments of the same bucket are
// concatenated.
func (c *Committable) Add(partition kv.Partition, bucket int, inc mergetree.Increment) {
	if c.Increments == nil {
		c.Increments = make(map[kv.Partition]map[int]mergetree.Increment)
	}
	buckets, ok := c.Increments[partition]
	if !ok {
		buckets = make(map[int]mergetree.Increment)
		c.Increments[partition] = buckets
	}
	prev := buckets[bucket]
	buckets[bucket] = mergetree.Increment{
		NewFiles:      append(prev.NewFiles, inc.NewFiles...),
		DeletedFiles:  append(prev.DeletedFiles, inc.DeletedFiles...),
		CompactBefore: append(prev.CompactBefore, inc.CompactBefore...),
		CompactAfter:  append(prev.CompactAfter, inc.CompactAfter...),
	}
}

// IsEmpty reports whether no bucket carries changes.
func (c *Committable) IsEmpty() bool {
	for _, buckets := range c.Increments {
		for _, inc := range buckets {
			if !inc.IsEmpty() {
				return false
			}
		}
	}
	return true
}

type bucketKey struct {
	partition kv.Partition
	bucket    int
}

// sortedBuckets returns the buckets of c ordered by partition and bucket.
func (c *Committable) sortedBuckets() []bucketKey {
	var keys []bucketKey
	for p, buckets := range c.Increments {
		for b := range buckets {
			keys = append(keys, bucketKey{partition: p, bucket: b})
		}
	}
	slices.SortFunc(keys, compareBucketKeys)
	return keys
}

func compareBucketKeys(a, b bucketKey) int {
	switch {
	case a.partition < b.partition:
		return -1
	case a.partition > b.partition:
		return 1
	default:
		return a.bucket - b.bucket
	}
}

// changes classifies the committable's changes.
func (c *Committable) changes() (hasAppend, hasCompaction bool) {
	for _, buckets := range c.Increments {
		for _, inc := range buckets {
			hasAppend = hasAppend || inc.HasAppend()
			hasCompaction = hasCompaction || inc.HasCompaction()
		}
	}
	return hasAppend, hasCompaction
}

// entries converts the committable into manifest entries in delta order:
// new files, deleted files, compaction inputs, compaction outputs.
func (c *Committable) entries(totalBuckets int) []manifest.Entry {
	keys := c.sortedBuckets()
	var out []manifest.Entry
	emit := func(kind manifest.Kind, pick func(mergetree.Increment) []manifest.DataFileMeta) {
		for _, k := range keys {
			for _, f := range pick(c.Increments[k.partition][k.bucket]) {
				out = append(out, manifest.Entry{
					Kind:         kind,
					Partition:    k.partition,
					Bucket:       k.bucket,
					TotalBuckets: totalBuckets,
					File:         f,
				})
			}
		}
	}
	emit(manifest.Add, func(i mergetree.Increment) []manifest.DataFileMeta { return i.NewFiles })
	emit(manifest.Delete, func(i mergetree.Increment) []manifest.DataFileMeta { return i.DeletedFiles })
	emit(manifest.Delete, func(i mergetree.Increment) []manifest.DataFileMeta { return i.CompactBefore })
	emit(manifest.Add, func(i mergetree.Increment) []manifest.DataFileMeta { return i.CompactAfter })
	return out
}
