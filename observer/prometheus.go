package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements MetricsObserver with Prometheus collectors.
type Prometheus struct {
	opLatency    *prometheus.HistogramVec
	flushRows    prometheus.Counter
	flushBytes   prometheus.Counter
	compactions  *prometheus.CounterVec
	commits      *prometheus.CounterVec
	attempts     prometheus.Histogram
	expired      prometheus.Counter
	deletedFiles prometheus.Counter
	backpressure prometheus.Counter
}

// NewPrometheus creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer.
func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Prometheus{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of table operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		flushRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_rows_total",
			Help:      "Total records written by buffer flushes",
		}),
		flushBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_bytes_total",
			Help:      "Total data file bytes written by buffer flushes",
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Total compactions completed",
		}, []string{"status"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Total commits by kind and status",
		}, []string{"kind", "status"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_attempts",
			Help:      "Snapshot CAS attempts per commit",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_snapshots_total",
			Help:      "Total snapshots removed by expire",
		}),
		deletedFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_files_total",
			Help:      "Total files removed by expire",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_events_total",
			Help:      "Total count of backpressure events",
		}),
	}

	reg.MustRegister(
		o.opLatency,
		o.flushRows,
		o.flushBytes,
		o.compactions,
		o.commits,
		o.attempts,
		o.expired,
		o.deletedFiles,
		o.backpressure,
	)
	return o
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// OnFlush implements MetricsObserver.
func (o *Prometheus) OnFlush(d time.Duration, rows, bytes int64, err error) {
	o.opLatency.WithLabelValues("flush", status(err)).Observe(d.Seconds())
	if err == nil {
		o.flushRows.Add(float64(rows))
		o.flushBytes.Add(float64(bytes))
	}
}

// OnCompaction implements MetricsObserver.
func (o *Prometheus) OnCompaction(d time.Duration, _, _ int, err error) {
	o.opLatency.WithLabelValues("compaction", status(err)).Observe(d.Seconds())
	o.compactions.WithLabelValues(status(err)).Inc()
}

// OnCommit implements MetricsObserver.
func (o *Prometheus) OnCommit(d time.Duration, kind string, attempts int, err error) {
	o.opLatency.WithLabelValues("commit", status(err)).Observe(d.Seconds())
	o.commits.WithLabelValues(kind, status(err)).Inc()
	o.attempts.Observe(float64(attempts))
}

// OnExpire implements MetricsObserver.
func (o *Prometheus) OnExpire(d time.Duration, snapshots, files int, err error) {
	o.opLatency.WithLabelValues("expire", status(err)).Observe(d.Seconds())
	o.expired.Add(float64(snapshots))
	o.deletedFiles.Add(float64(files))
}

// OnBackpressure implements MetricsObserver.
func (o *Prometheus) OnBackpressure() {
	o.backpressure.Inc()
}
