// Package resource implements the controller for the shared write-buffer
// memory pool and the background compaction limits.
//
// The controller governs three resources:
//
//   - Memory: a bounded pool shared by all bucket writers of a process
//   - Concurrency: the number of compactions running at once
//   - IO: a token bucket throttling compaction output
//
// # Memory Pool
//
// Writers reserve memory in page-sized units before buffering records.
// When the pool is exhausted, AcquireMemory preempts the owner that holds
// the most memory: that owner spills its buffer into a new sorted run and
// releases its reservation. Records are never dropped; the caller blocks
// until the reservation succeeds or its context ends.
//
//	err := rc.AcquireMemory(ctx, w, pageSize, w.flushLocked)
//	...
//	rc.ReleaseMemory(w, w.reserved)
//
// Owners implement [MemoryOwner]; TrySpill must not block on the owner's
// own lock, since the caller may already hold a different writer's lock.
//
// # Background Worker Limits
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// # IO Rate Limiting
//
//	writer := resource.NewRateLimitedWriter(ctx, blob, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully; they become no-ops.
package resource
