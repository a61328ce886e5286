package mergetree

import (
	"context"
	"log/slog"
	"time"

	"github.com/hupe1980/tablestore/internal/manifest"
	"github.com/hupe1980/tablestore/internal/resource"
	"github.com/hupe1980/tablestore/observer"
)

// CompactResult lists the files a compaction removed and produced.
// Upgraded files appear in both lists under the same name.
type CompactResult struct {
	Before []manifest.DataFileMeta
	After  []manifest.DataFileMeta
}

// compactTask is a handle to a compaction running in the background.
type compactTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *CompactResult
	err    error
}

type compactParams struct {
	env        *fileEnv
	unit       *CompactUnit
	mf         MergeFunction
	dropDelete bool
	rc         *resource.Controller
	logger     *slog.Logger
	metrics    observer.MetricsObserver
}

// startCompaction runs p.unit on a new goroutine. The task outlives the
// caller's context and is stopped only through Cancel.
func startCompaction(ctx context.Context, p compactParams) *compactTask {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &compactTask{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = runCompaction(ctx, p)
	}()
	return t
}

// Cancel asks the task to stop. Files it wrote are deleted.
func (t *compactTask) Cancel() { t.cancel() }

// Done reports whether the task has finished.
func (t *compactTask) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Join waits for the task and returns its result.
func (t *compactTask) Join() (*CompactResult, error) {
	<-t.done
	return t.result, t.err
}

func runCompaction(ctx context.Context, p compactParams) (*CompactResult, error) {
	if err := p.rc.AcquireBackground(ctx); err != nil {
		return nil, err
	}
	defer p.rc.ReleaseBackground()

	start := time.Now()
	res, err := compact(ctx, p)
	if err != nil {
		p.metrics.OnCompaction(time.Since(start), len(p.unit.Files()), 0, err)
		if ctx.Err() == nil {
			p.logger.Error("Compaction failed", "partition", p.env.partition, "bucket", p.env.bucket, "error", err)
		}
		return nil, err
	}
	p.metrics.OnCompaction(time.Since(start), len(res.Before), len(res.After), nil)
	p.logger.Debug("Compaction finished",
		"partition", p.env.partition,
		"bucket", p.env.bucket,
		"output_level", p.unit.OutputLevel,
		"before", len(res.Before),
		"after", len(res.After),
		"duration", time.Since(start))
	return res, nil
}

func compact(ctx context.Context, p compactParams) (*CompactResult, error) {
	unit := p.unit
	if len(unit.Runs) == 1 {
		return upgrade(unit), nil
	}

	sources := make([]Iterator, 0, len(unit.Runs))
	for _, r := range unit.Runs {
		sources = append(sources, newRunIterator(ctx, p.env, r.Run, KeyRange{}))
	}
	reader, err := newMergeReader(sources, p.mf, !p.dropDelete, nil)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	w := newRollingWriter(ctx, p.env, unit.OutputLevel, p.rc)
	for n := 0; reader.Next(); n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				w.abort()
				return nil, err
			}
		}
		if err := w.write(reader.Record()); err != nil {
			w.abort()
			return nil, err
		}
	}
	if err := reader.Err(); err != nil {
		w.abort()
		return nil, err
	}
	after, err := w.close()
	if err != nil {
		w.abort()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		w.abort()
		return nil, err
	}
	return &CompactResult{Before: unit.Files(), After: after}, nil
}

// upgrade moves the files of a single run to the output level without
// rewriting them.
func upgrade(unit *CompactUnit) *CompactResult {
	res := &CompactResult{}
	for _, f := range unit.Files() {
		if f.Level == unit.OutputLevel {
			continue
		}
		res.Before = append(res.Before, f)
		res.After = append(res.After, f.Upgrade(unit.OutputLevel))
	}
	return res
}
