// Package cache provides byte-bounded LRU caches for immutable blocks.
//
// Every file the table store writes (data files, manifests, manifest lists,
// snapshots) is immutable under a unique name, so blocks can be cached by
// (path, block index) without invalidation on read. blobstore.CachingStore
// invalidates a path only when it is deleted or overwritten.
package cache
