// Package tablestore provides a snapshot-versioned, partitioned key-value
// table on top of an object store.
//
// A table is a set of immutable files under one root: sorted data files
// organized per partition and bucket as an LSM tree, manifests that list
// file additions and deletions, and numbered snapshots that pin a complete
// table version. Writers buffer records in memory, flush them to sorted
// runs and compact those runs in the background. Committers publish the
// resulting file changes by creating the next snapshot file with a
// create-if-absent write, so any number of processes can commit to the
// same table without a lock service.
//
// # Quick Start
//
//	store := blobstore.NewLocalStore("./table")
//	t, _ := tablestore.Open(store, tablestore.WithBuckets(4))
//	defer t.Close(ctx)
//
//	w, _ := t.NewWrite()
//	_ = w.Write(ctx, kv.MustPartition("dt", "2024-01-01"), kv.KeyValue{
//	    Key:   []byte("user-1"),
//	    Value: []byte("alice"),
//	})
//	cm, _ := w.PrepareCommit(ctx, false, 1)
//	snap, _ := t.NewCommit().Commit(ctx, cm)
//
// Cloud mode:
//
//	s3Store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("tables/orders/"))
//	t, _ := tablestore.Open(s3Store, tablestore.WithOptions(opts))
//
// # Reading
//
// Reads resolve the live files of one snapshot and merge them on the fly:
//
//	for row, err := range t.Scan(ctx, tablestore.ScanSnapshot(snap.ID)) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(row.Partition, string(row.Key), string(row.Value))
//	}
//
// # Commits
//
// Commits are idempotent per commit user and identifier. After a crash
// between commit and acknowledgement, FilterCommitted drops the
// committables that already made it into a snapshot. Overwrite replaces
// the contents of the partitions matching a spec atomically.
//
// # Maintenance
//
// Expire deletes snapshots beyond the retention options together with
// the files only they reference. RemoveOrphanFiles cleans up files left
// behind by failed writers and committers.
package tablestore
