package mergetree

import (
	"fmt"

	"github.com/hupe1980/tablestore/internal/manifest"
)

// Increment is the set of file changes of one bucket since the last commit.
//
// NewFiles were produced by flushes, DeletedFiles are whole files retracted
// by the caller, CompactBefore and CompactAfter are the inputs and outputs
// of compactions. Writers never fill DeletedFiles.
type Increment struct {
	NewFiles      []manifest.DataFileMeta
	DeletedFiles  []manifest.DataFileMeta
	CompactBefore []manifest.DataFileMeta
	CompactAfter  []manifest.DataFileMeta
}

// IsEmpty reports whether the increment carries no changes.
func (i Increment) IsEmpty() bool {
	return len(i.NewFiles) == 0 && len(i.DeletedFiles) == 0 &&
		len(i.CompactBefore) == 0 && len(i.CompactAfter) == 0
}

// HasAppend reports whether the increment adds or retracts files outside
// of compaction.
func (i Increment) HasAppend() bool {
	return len(i.NewFiles) > 0 || len(i.DeletedFiles) > 0
}

// HasCompaction reports whether the increment carries compaction changes.
func (i Increment) HasCompaction() bool {
	return len(i.CompactBefore) > 0 || len(i.CompactAfter) > 0
}

// String implements fmt.Stringer.
func (i Increment) String() string {
	return fmt.Sprintf("{new %d, deleted %d, compact %d -> %d}",
		len(i.NewFiles), len(i.DeletedFiles), len(i.CompactBefore), len(i.CompactAfter))
}
