// Package snapshot manages the snapshot files of a table.
//
// A snapshot is immutable once its file exists. The set of existing
// snapshot files is the only authority on table state; the LATEST and
// EARLIEST hint files are advisory and may lag in either direction.
package snapshot

import (
	"errors"
	"fmt"
	"time"
)

const (
	// FirstSnapshotID is the id of the first snapshot of a table.
	FirstSnapshotID int64 = 1

	// CurrentVersion is the version of the snapshot file format.
	CurrentVersion = 1
)

// ErrIncompatibleVersion is returned for snapshot files of a newer format.
var ErrIncompatibleVersion = errors.New("incompatible snapshot version")

// CommitKind classifies the change a snapshot introduced.
type CommitKind string

const (
	// KindAppend adds (and possibly retracts) data files.
	KindAppend CommitKind = "APPEND"
	// KindCompact only rewrites existing data.
	KindCompact CommitKind = "COMPACT"
	// KindOverwrite replaces the contents of a partition.
	KindOverwrite CommitKind = "OVERWRITE"
)

// Snapshot is one committed table version.
type Snapshot struct {
	Version           int           `json:"version"`
	ID                int64         `json:"id"`
	BaseManifestList  string        `json:"baseManifestList"`
	DeltaManifestList string        `json:"deltaManifestList"`
	CommitUser        string        `json:"commitUser"`
	CommitIdentifier  uint64        `json:"commitIdentifier"`
	CommitKind        CommitKind    `json:"commitKind"`
	TimeMillis        int64         `json:"timeMillis"`
	LogOffsets        map[int]int64 `json:"logOffsets,omitempty"`
	TotalRecordCount  int64         `json:"totalRecordCount"`
	DeltaRecordCount  int64         `json:"deltaRecordCount"`
}

// Time returns the commit time of the snapshot.
func (s *Snapshot) Time() time.Time {
	return time.UnixMilli(s.TimeMillis)
}

// ManifestLists returns the names of the base and delta manifest lists.
func (s *Snapshot) ManifestLists() []string {
	return []string{s.BaseManifestList, s.DeltaManifestList}
}

// String implements fmt.Stringer.
func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot %d (%s by %s/%d)", s.ID, s.CommitKind, s.CommitUser, s.CommitIdentifier)
}
