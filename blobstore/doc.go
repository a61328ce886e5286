// Package blobstore provides the object store abstraction of the table store.
//
// Every file the table store writes is immutable under a unique name, except
// the two snapshot hint files, which are rewritten with Put. Snapshots are
// committed with PutIfAbsent, the single atomic primitive of the commit
// protocol: of any number of concurrent writers of the same name exactly one
// succeeds and all others get ErrExists.
//
// # Built-in Implementations
//
//   - LocalStore: local file system; temp file plus rename or hard link; mmap reads
//   - MemoryStore: in-memory store for tests
//   - CachingStore: block cache in front of any store
//   - s3.Store: Amazon S3 with conditional writes (If-None-Match)
//   - s3.DDBCommitStore: S3 for data, DynamoDB conditional puts for snapshots
//   - minio.Store: MinIO and other S3-compatible servers
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    PutIfAbsent(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	    Stat(ctx, name) (ObjectInfo, error)
//	}
//
// Missing blobs must satisfy errors.Is(err, ErrNotFound); lost PutIfAbsent
// races must satisfy errors.Is(err, ErrExists).
package blobstore
