package mergetree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/internal/compress"
	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/pathutil"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/kv"
	"github.com/hupe1980/tablestore/observer"
)

const (
	// DefaultNumLevels is the default number of levels including level 0.
	DefaultNumLevels = 5
	// DefaultTargetFileSize is the default size at which data files roll.
	DefaultTargetFileSize = 128 << 20
	// DefaultPageSize is the default unit of memory reservations.
	DefaultPageSize = 64 << 10
)

// Options configures a Writer.
type Options struct {
	NumLevels        int
	TargetFileSize   int64
	BlockSize        int
	PageSize         int64
	Compression      compress.Type
	MergeFunction    MergeFunction
	CompactionPolicy CompactionPolicy

	// Resource is the shared memory pool and background limiter.
	// A nil controller disables automatic flushing.
	Resource *resource.Controller
	Paths    *pathutil.Factory
	Logger   *slog.Logger
	Metrics  observer.MetricsObserver
}

func (o *Options) setDefaults() {
	if o.NumLevels <= 0 {
		o.NumLevels = DefaultNumLevels
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = DefaultTargetFileSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MergeFunction == nil {
		o.MergeFunction = Deduplicate{}
	}
	if o.CompactionPolicy == nil {
		o.CompactionPolicy = NewUniversalCompaction()
	}
	if o.Paths == nil {
		o.Paths = pathutil.NewFactory()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	o.Metrics = observer.OrNoop(o.Metrics)
}

// Writer buffers the records of one (partition, bucket), flushes them to
// level 0 sorted runs and compacts runs in the background.
//
// All methods are safe for concurrent use. Changes become visible to
// readers only after the Increment returned by PrepareCommit is committed.
type Writer struct {
	mu     sync.Mutex
	env    *fileEnv
	opts   Options
	levels *Levels
	logger *slog.Logger

	buffer   *writeBuffer
	used     int64 // bytes held by buffered records
	reserved int64 // bytes reserved from the pool
	nextSeq  uint64

	newFiles      []manifest.DataFileMeta
	compactBefore []manifest.DataFileMeta
	compactAfter  []manifest.DataFileMeta

	task   *compactTask
	closed bool
}

// NewWriter returns a writer for a bucket holding the restored files.
// Sequence numbers continue after the highest restored sequence.
func NewWriter(store blobstore.BlobStore, partition kv.Partition, bucket int, restored []manifest.DataFileMeta, opts Options) (*Writer, error) {
	opts.setDefaults()
	levels, err := NewLevels(restored, opts.NumLevels)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		env: &fileEnv{
			store:          store,
			paths:          opts.Paths,
			partition:      partition,
			bucket:         bucket,
			compression:    opts.Compression,
			blockSize:      opts.BlockSize,
			targetFileSize: opts.TargetFileSize,
		},
		opts:   opts,
		levels: levels,
		logger: opts.Logger.With("partition", partition.String(), "bucket", bucket),
		buffer: newWriteBuffer(),
	}
	for _, f := range restored {
		if f.MaxSequence+1 > w.nextSeq {
			w.nextSeq = f.MaxSequence + 1
		}
	}
	return w, nil
}

// Write buffers a record. The writer assigns its sequence number; r.Sequence
// is ignored. It blocks while the memory pool is exhausted and no owner can
// spill.
func (w *Writer) Write(ctx context.Context, r kv.KeyValue) error {
	if !r.Kind.Valid() {
		return fmt.Errorf("invalid value kind %d", r.Kind)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	r = r.Clone()
	size := r.Size()
	if w.opts.Resource != nil && w.used+size > w.reserved {
		missing := w.used + size - w.reserved
		pages := (missing + w.opts.PageSize - 1) / w.opts.PageSize * w.opts.PageSize
		if err := w.opts.Resource.AcquireMemory(ctx, w, pages, w.flushLocked); err != nil {
			return err
		}
		w.reserved += pages
	}

	r.Sequence = w.nextSeq
	w.nextSeq++
	w.buffer.put(r)
	w.used += size
	return nil
}

// TrySpill flushes the buffer unless the writer is busy. It implements
// resource.MemoryOwner.
func (w *Writer) TrySpill(ctx context.Context) (bool, error) {
	if !w.mu.TryLock() {
		return false, nil
	}
	defer w.mu.Unlock()

	if w.closed || w.buffer.empty() {
		return false, nil
	}
	if err := w.flushLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Flush writes the buffer to a new level 0 sorted run.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.flushLocked(ctx)
}

func (w *Writer) flushLocked(ctx context.Context) error {
	if w.buffer.empty() {
		w.releaseMemoryLocked()
		return nil
	}

	start := time.Now()
	// Tombstones only need to shadow older files.
	dropDelete := w.levels.Empty()
	rows := int64(w.buffer.len())

	rw := newRollingWriter(ctx, w.env, 0, nil)
	err := w.buffer.forEachKey(func(records []kv.KeyValue) error {
		r, ok := w.opts.MergeFunction.Merge(records)
		if !ok || (dropDelete && r.Kind.IsRetract()) {
			return nil
		}
		return rw.write(r)
	})
	var files []manifest.DataFileMeta
	if err == nil {
		files, err = rw.close()
	}
	if err != nil {
		rw.abort()
		w.opts.Metrics.OnFlush(time.Since(start), rows, 0, err)
		return fmt.Errorf("flush: %w", err)
	}

	var bytes int64
	for _, f := range files {
		w.levels.AddLevel0File(f)
		w.newFiles = append(w.newFiles, f)
		bytes += f.FileSize
	}
	w.buffer = newWriteBuffer()
	w.used = 0
	w.releaseMemoryLocked()

	w.opts.Metrics.OnFlush(time.Since(start), rows, bytes, nil)
	w.logger.Debug("Flushed write buffer", "rows", rows, "files", len(files), "bytes", bytes, "duration", time.Since(start))

	if err := w.collectCompactionLocked(false); err != nil {
		return err
	}
	w.submitCompactionLocked(ctx)
	return nil
}

func (w *Writer) releaseMemoryLocked() {
	if w.reserved > 0 {
		w.opts.Resource.ReleaseMemory(w, w.reserved)
		w.reserved = 0
	}
}

func (w *Writer) submitCompactionLocked(ctx context.Context) {
	if w.task != nil {
		return
	}
	unit := w.opts.CompactionPolicy.Pick(w.levels.NumberOfLevels(), w.levels.LevelSortedRuns())
	if unit == nil || len(unit.Runs) == 0 {
		return
	}
	dropDelete := unit.OutputLevel != 0 && unit.OutputLevel >= w.levels.NonEmptyHighestLevel()
	w.logger.Debug("Submitting compaction", "runs", len(unit.Runs), "output_level", unit.OutputLevel, "drop_delete", dropDelete)
	w.task = startCompaction(ctx, compactParams{
		env:        w.env,
		unit:       unit,
		mf:         w.opts.MergeFunction,
		dropDelete: dropDelete,
		rc:         w.opts.Resource,
		logger:     w.logger,
		metrics:    w.opts.Metrics,
	})
}

// collectCompactionLocked applies the result of the running compaction if
// it has finished, or waits for it when block is set.
func (w *Writer) collectCompactionLocked(block bool) error {
	if w.task == nil || (!block && !w.task.Done()) {
		return nil
	}
	res, err := w.task.Join()
	w.task = nil
	if err != nil {
		return fmt.Errorf("compaction: %w", err)
	}
	w.updateCompactResult(res)
	return w.levels.Update(res.Before, res.After)
}

// updateCompactResult folds a compaction result into the pending increment.
// Files that were produced and compacted away within the same increment
// are deleted right away and never reported.
func (w *Writer) updateCompactResult(res *CompactResult) {
	afterNames := make(map[string]struct{}, len(res.After))
	for _, f := range res.After {
		afterNames[f.FileName] = struct{}{}
	}
	upgradedNew := make(map[string]struct{})

	for _, f := range res.Before {
		_, upgraded := afterNames[f.FileName]
		if i := indexOf(w.compactAfter, f); i >= 0 {
			w.compactAfter = slices.Delete(w.compactAfter, i, i+1)
			// Upgraded files still belong to a committed file.
			if !upgraded && indexByName(w.compactBefore, f.FileName) < 0 {
				w.deleteFile(f.FileName)
			}
			continue
		}
		if i := indexOf(w.newFiles, f); i >= 0 {
			if upgraded {
				upgradedNew[f.FileName] = struct{}{}
				continue
			}
			w.newFiles = slices.Delete(w.newFiles, i, i+1)
			w.deleteFile(f.FileName)
			continue
		}
		w.compactBefore = append(w.compactBefore, f)
	}

	for _, f := range res.After {
		if _, ok := upgradedNew[f.FileName]; ok {
			w.newFiles[indexByName(w.newFiles, f.FileName)] = f
			continue
		}
		w.compactAfter = append(w.compactAfter, f)
	}
}

func (w *Writer) deleteFile(name string) {
	if err := w.env.delete(context.Background(), name); err != nil {
		w.logger.Warn("Failed to delete data file", "file", name, "error", err)
	}
}

func indexOf(files []manifest.DataFileMeta, f manifest.DataFileMeta) int {
	return slices.IndexFunc(files, func(g manifest.DataFileMeta) bool {
		return g.FileName == f.FileName && g.Level == f.Level
	})
}

func indexByName(files []manifest.DataFileMeta, name string) int {
	return slices.IndexFunc(files, func(g manifest.DataFileMeta) bool {
		return g.FileName == name
	})
}

// PrepareCommit flushes the buffer and returns the changes since the last
// call. If waitCompaction is set it waits for the running compaction and
// reports its result; otherwise only an already finished compaction is
// reported.
func (w *Writer) PrepareCommit(ctx context.Context, waitCompaction bool) (Increment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Increment{}, ErrClosed
	}
	if err := w.flushLocked(ctx); err != nil {
		return Increment{}, err
	}
	w.submitCompactionLocked(ctx)
	if err := w.collectCompactionLocked(waitCompaction); err != nil {
		return Increment{}, err
	}
	if !waitCompaction {
		w.submitCompactionLocked(ctx)
	}

	inc := Increment{
		NewFiles:      w.newFiles,
		CompactBefore: w.compactBefore,
		CompactAfter:  w.compactAfter,
	}
	w.newFiles, w.compactBefore, w.compactAfter = nil, nil, nil
	return inc, nil
}

// Sync waits for the running compaction and applies its result.
func (w *Writer) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.task == nil {
		return nil
	}
	select {
	case <-w.task.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.collectCompactionLocked(true)
}

// Close cancels compaction, deletes every file produced since the last
// PrepareCommit and returns buffered memory to the pool. Buffered records
// are discarded.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	if w.task != nil {
		w.task.Cancel()
		res, err := w.task.Join()
		w.task = nil
		if err == nil && res != nil {
			before := make(map[string]struct{}, len(res.Before))
			for _, f := range res.Before {
				before[f.FileName] = struct{}{}
			}
			for _, f := range res.After {
				if _, ok := before[f.FileName]; !ok {
					errs = append(errs, w.env.delete(ctx, f.FileName))
				}
			}
		}
	}

	for _, f := range w.newFiles {
		errs = append(errs, w.env.delete(ctx, f.FileName))
	}
	for _, f := range w.compactAfter {
		if indexByName(w.compactBefore, f.FileName) < 0 {
			errs = append(errs, w.env.delete(ctx, f.FileName))
		}
	}
	w.newFiles, w.compactBefore, w.compactAfter = nil, nil, nil

	w.buffer = newWriteBuffer()
	w.used = 0
	w.releaseMemoryLocked()
	return errors.Join(errs...)
}

// Files returns the files of the bucket as the writer sees them.
func (w *Writer) Files() []manifest.DataFileMeta {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.levels.AllFiles()
}

// NumberOfSortedRuns returns the current number of sorted runs.
func (w *Writer) NumberOfSortedRuns() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.levels.NumberOfSortedRuns()
}

// BufferedRecords returns the number of records waiting to be flushed.
func (w *Writer) BufferedRecords() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buffer.len()
}

// MemoryReserved returns the bytes the writer holds from the pool.
func (w *Writer) MemoryReserved() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reserved
}
