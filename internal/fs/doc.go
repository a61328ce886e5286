// Package fs abstracts the local filesystem beneath blobstore.LocalStore.
//
// [FileSystem] covers the handful of calls the local store needs: exclusive
// creation of temporary files, renames for atomic overwrite, hard links for
// create-if-absent commits, directory reads for listing, and removal.
// [LocalFS] is the production implementation. [FaultyFS] wraps another
// FileSystem and fails selected operations on matching paths, which is how
// crash and I/O-error paths of the commit protocol are exercised in tests:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.Inject(fs.Rule{Pattern: "snapshot-", Ops: fs.OpLink, Err: errIO})
//	store := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(ffs))
//
// Calls take no context.Context; local syscalls are not interruptible.
package fs
