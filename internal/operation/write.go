package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/mergetree"
	"github.com/hupe1980/tablestore/kv"
)

// WriteOptions configures a Write.
type WriteOptions struct {
	NumBuckets int
	Writer     mergetree.Options
	// Overwrite starts every bucket empty instead of restoring its files,
	// as required for Commit.Overwrite.
	Overwrite bool
}

// Write routes records to one mergetree.Writer per (partition, bucket).
// Writers are created on first use and restored from the latest snapshot.
type Write struct {
	store blobstore.BlobStore
	scan  *Scan
	opts  WriteOptions

	mu      sync.Mutex
	writers map[bucketKey]*mergetree.Writer
	closed  bool
}

// NewWrite creates a table writer.
func NewWrite(store blobstore.BlobStore, scan *Scan, opts WriteOptions) *Write {
	if opts.NumBuckets <= 0 {
		opts.NumBuckets = 1
	}
	return &Write{
		store:   store,
		scan:    scan,
		opts:    opts,
		writers: make(map[bucketKey]*mergetree.Writer),
	}
}

// Write adds a record to the bucket its key hashes to.
func (w *Write) Write(ctx context.Context, partition kv.Partition, r kv.KeyValue) error {
	return w.WriteBucket(ctx, partition, kv.BucketOf(r.Key, w.opts.NumBuckets), r)
}

// WriteBucket adds a record to an explicit bucket.
func (w *Write) WriteBucket(ctx context.Context, partition kv.Partition, bucket int, r kv.KeyValue) error {
	if bucket < 0 || bucket >= w.opts.NumBuckets {
		return fmt.Errorf("%w: %d out of range [0, %d)", ErrInvalidBucket, bucket, w.opts.NumBuckets)
	}
	writer, err := w.writer(ctx, partition, bucket)
	if err != nil {
		return err
	}
	return writer.Write(ctx, r)
}

func (w *Write) writer(ctx context.Context, partition kv.Partition, bucket int) (*mergetree.Writer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, mergetree.ErrClosed
	}
	k := bucketKey{partition: partition, bucket: bucket}
	if writer, ok := w.writers[k]; ok {
		return writer, nil
	}

	var restored []manifest.DataFileMeta
	if !w.opts.Overwrite {
		plan, err := w.scan.Plan(ctx,
			WithPartitionFilter(func(p kv.Partition) bool { return p == partition }),
			WithBuckets(bucket))
		if err != nil {
			return nil, fmt.Errorf("restore %s/bucket-%d: %w", partition, bucket, err)
		}
		restored = plan.Files()
	}

	writer, err := mergetree.NewWriter(w.store, partition, bucket, restored, w.opts.Writer)
	if err != nil {
		return nil, err
	}
	w.writers[k] = writer
	return writer, nil
}

// PrepareCommit collects the increments of all writers into a committable.
func (w *Write) PrepareCommit(ctx context.Context, waitCompaction bool, identifier uint64) (*Committable, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, mergetree.ErrClosed
	}
	cm := NewCommittable(identifier)
	for k, writer := range w.writers {
		inc, err := writer.PrepareCommit(ctx, waitCompaction)
		if err != nil {
			return nil, fmt.Errorf("%s/bucket-%d: %w", k.partition, k.bucket, err)
		}
		if !inc.IsEmpty() {
			cm.Add(k.partition, k.bucket, inc)
		}
	}
	return cm, nil
}

// Sync waits for the background compactions of all writers.
func (w *Write) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for _, writer := range w.writers {
		errs = append(errs, writer.Sync(ctx))
	}
	return errors.Join(errs...)
}

// Close closes all writers and discards uncommitted files.
func (w *Write) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for _, writer := range w.writers {
		errs = append(errs, writer.Close(ctx))
	}
	w.writers = nil
	return errors.Join(errs...)
}
