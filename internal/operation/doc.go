// Package operation implements the table-level operations on top of the
// bucket writers: routing writes, committing snapshots, planning scans,
// reading splits and expiring old snapshots.
//
// Commit is the only place that creates snapshots. Concurrent committers
// race on the create-if-absent write of the next snapshot file and retry
// with backoff when they lose. Committing the same (user, identifier)
// twice yields a single snapshot.
package operation
