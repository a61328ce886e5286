package manifest

import (
	"fmt"
	"time"

	"github.com/hupe1980/tablestore/kv"
)

// DataFileMeta describes one immutable, sorted data file of a bucket.
type DataFileMeta struct {
	FileName     string
	FileSize     int64
	RowCount     int64
	MinKey       []byte
	MaxKey       []byte
	MinSequence  uint64
	MaxSequence  uint64
	Level        int
	CreationTime time.Time
}

// Upgrade returns a copy of m relabeled to level.
func (m DataFileMeta) Upgrade(level int) DataFileMeta {
	m.Level = level
	return m
}

// String implements fmt.Stringer.
func (m DataFileMeta) String() string {
	return fmt.Sprintf("{%s, level %d, rows %d, seq %d-%d}", m.FileName, m.Level, m.RowCount, m.MinSequence, m.MaxSequence)
}

// Kind is the kind of a manifest entry.
type Kind uint8

const (
	// Add makes a file live.
	Add Kind = iota
	// Delete retires a previously added file.
	Delete
)

// String returns "ADD" or "DELETE".
func (k Kind) String() string {
	switch k {
	case Add:
		return "ADD"
	case Delete:
		return "DELETE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry adds or deletes one data file of a (partition, bucket).
type Entry struct {
	Kind         Kind
	Partition    kv.Partition
	Bucket       int
	TotalBuckets int
	File         DataFileMeta
}

// Identifier is the identity under which ADD and DELETE entries cancel.
type Identifier struct {
	Partition kv.Partition
	Bucket    int
	Level     int
	FileName  string
}

// Identifier returns the identity of the entry's file.
func (e Entry) Identifier() Identifier {
	return Identifier{
		Partition: e.Partition,
		Bucket:    e.Bucket,
		Level:     e.File.Level,
		FileName:  e.File.FileName,
	}
}

// String implements fmt.Stringer.
func (id Identifier) String() string {
	return fmt.Sprintf("%s/bucket-%d/L%d/%s", id.Partition, id.Bucket, id.Level, id.FileName)
}

// FileMeta references one manifest file from a manifest list.
type FileMeta struct {
	FileName        string
	FileSize        int64
	NumAddedFiles   int64
	NumDeletedFiles int64
	MinPartition    kv.Partition
	MaxPartition    kv.Partition
}

// MayContain reports whether the manifest can hold entries of a partition
// accepted by filter. Only single-partition manifests are pruned.
func (m FileMeta) MayContain(filter func(kv.Partition) bool) bool {
	if filter == nil || m.MinPartition != m.MaxPartition {
		return true
	}
	return filter(m.MinPartition)
}

func summarize(name string, size int64, entries []Entry) FileMeta {
	meta := FileMeta{FileName: name, FileSize: size}
	for i, e := range entries {
		if e.Kind == Add {
			meta.NumAddedFiles++
		} else {
			meta.NumDeletedFiles++
		}
		if i == 0 || e.Partition < meta.MinPartition {
			meta.MinPartition = e.Partition
		}
		if i == 0 || e.Partition > meta.MaxPartition {
			meta.MaxPartition = e.Partition
		}
	}
	return meta
}
