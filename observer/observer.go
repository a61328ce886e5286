// Package observer defines the metrics hooks of the table store and ships
// in-memory and Prometheus implementations.
package observer

import (
	"sync/atomic"
	"time"
)

// MetricsObserver defines the interface for observing table events.
// Implementations must be safe for concurrent use.
type MetricsObserver interface {
	// OnFlush is called when a write buffer flush completes.
	OnFlush(duration time.Duration, rows int64, bytes int64, err error)

	// OnCompaction is called when a compaction task completes.
	OnCompaction(duration time.Duration, inputFiles, outputFiles int, err error)

	// OnCommit is called when a commit finishes. attempts counts CAS attempts.
	OnCommit(duration time.Duration, kind string, attempts int, err error)

	// OnExpire is called when an expire pass finishes.
	OnExpire(duration time.Duration, snapshots, files int, err error)

	// OnBackpressure is called when a write has to wait for buffer memory.
	OnBackpressure()
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnFlush(time.Duration, int64, int64, error)  {}
func (NoopMetricsObserver) OnCompaction(time.Duration, int, int, error) {}
func (NoopMetricsObserver) OnCommit(time.Duration, string, int, error)  {}
func (NoopMetricsObserver) OnExpire(time.Duration, int, int, error)     {}
func (NoopMetricsObserver) OnBackpressure()                             {}

// OrNoop returns o, or a NoopMetricsObserver if o is nil.
func OrNoop(o MetricsObserver) MetricsObserver {
	if o == nil {
		return NoopMetricsObserver{}
	}
	return o
}

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsObserver struct {
	FlushCount        atomic.Int64
	FlushRows         atomic.Int64
	FlushBytes        atomic.Int64
	FlushErrors       atomic.Int64
	CompactionCount   atomic.Int64
	CompactionErrors  atomic.Int64
	CommitCount       atomic.Int64
	CommitAttempts    atomic.Int64
	CommitErrors      atomic.Int64
	CommitTotalNanos  atomic.Int64
	ExpireCount       atomic.Int64
	ExpiredSnapshots  atomic.Int64
	DeletedFiles      atomic.Int64
	BackpressureCount atomic.Int64
}

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(_ time.Duration, rows, bytes int64, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushRows.Add(rows)
	b.FlushBytes.Add(bytes)
}

// OnCompaction implements MetricsObserver.
func (b *BasicMetricsObserver) OnCompaction(_ time.Duration, _, _ int, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}

// OnCommit implements MetricsObserver.
func (b *BasicMetricsObserver) OnCommit(duration time.Duration, _ string, attempts int, err error) {
	b.CommitCount.Add(1)
	b.CommitAttempts.Add(int64(attempts))
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// OnExpire implements MetricsObserver.
func (b *BasicMetricsObserver) OnExpire(_ time.Duration, snapshots, files int, _ error) {
	b.ExpireCount.Add(1)
	b.ExpiredSnapshots.Add(int64(snapshots))
	b.DeletedFiles.Add(int64(files))
}

// OnBackpressure implements MetricsObserver.
func (b *BasicMetricsObserver) OnBackpressure() {
	b.BackpressureCount.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		FlushCount:        b.FlushCount.Load(),
		FlushRows:         b.FlushRows.Load(),
		FlushBytes:        b.FlushBytes.Load(),
		FlushErrors:       b.FlushErrors.Load(),
		CompactionCount:   b.CompactionCount.Load(),
		CompactionErrors:  b.CompactionErrors.Load(),
		CommitCount:       b.CommitCount.Load(),
		CommitAttempts:    b.CommitAttempts.Load(),
		CommitErrors:      b.CommitErrors.Load(),
		CommitAvgNanos:    b.avgCommitNanos(),
		ExpireCount:       b.ExpireCount.Load(),
		ExpiredSnapshots:  b.ExpiredSnapshots.Load(),
		DeletedFiles:      b.DeletedFiles.Load(),
		BackpressureCount: b.BackpressureCount.Load(),
	}
}

func (b *BasicMetricsObserver) avgCommitNanos() int64 {
	count := b.CommitCount.Load()
	if count == 0 {
		return 0
	}
	return b.CommitTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	FlushCount        int64
	FlushRows         int64
	FlushBytes        int64
	FlushErrors       int64
	CompactionCount   int64
	CompactionErrors  int64
	CommitCount       int64
	CommitAttempts    int64
	CommitErrors      int64
	CommitAvgNanos    int64
	ExpireCount       int64
	ExpiredSnapshots  int64
	DeletedFiles      int64
	BackpressureCount int64
}
