package tablestore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/hupe1980/tablestore/codec"
	"github.com/hupe1980/tablestore/internal/compress"
	"github.com/hupe1980/tablestore/internal/mergetree"
	"github.com/hupe1980/tablestore/internal/operation"
)

// Compaction styles.
const (
	CompactionUniversal = "universal"
	CompactionLeveled   = "leveled"
)

// Options holds the table options. The YAML keys follow the usual table
// store option names, so an option file can be shared between tools.
type Options struct {
	// Buckets is the number of buckets per partition. Fixed for the life
	// of the table.
	Buckets int `yaml:"bucket"`

	// WriteBufferSize is the memory pool shared by all bucket writers of a
	// table. When it is exhausted the largest buffer is flushed.
	WriteBufferSize int64 `yaml:"write-buffer-size"`
	// PageSize is the unit in which writers reserve pool memory.
	PageSize int64 `yaml:"page-size"`

	TargetFileSize  int64  `yaml:"target-file-size"`
	FileCompression string `yaml:"file-compression"`
	FileBlockSize   int    `yaml:"file-block-size"`

	// MergeEngine selects how records of the same key combine:
	// "deduplicate" or "value-count".
	MergeEngine string `yaml:"merge-engine"`

	NumLevels                     int    `yaml:"num-levels"`
	CompactionStyle               string `yaml:"compaction-style"`
	NumSortedRunCompactionTrigger int    `yaml:"num-sorted-run-compaction-trigger"`
	MaxSizeAmplificationPercent   int    `yaml:"max-size-amplification-percent"`
	SizeRatio                     int    `yaml:"size-ratio"`
	CompactionMaxWorkers          int64  `yaml:"compaction-max-workers"`
	CompactionIOBytesPerSec       int64  `yaml:"compaction-io-bytes-per-sec"`

	ManifestTargetFileSize int64 `yaml:"manifest-target-file-size"`
	ManifestMergeMinCount  int   `yaml:"manifest-merge-min-count"`
	CommitMaxRetries       int   `yaml:"commit-max-retries"`

	SnapshotNumRetainedMin int      `yaml:"snapshot-num-retained-min"`
	SnapshotNumRetainedMax int      `yaml:"snapshot-num-retained-max"`
	SnapshotTimeRetained   Duration `yaml:"snapshot-time-retained"`

	// CacheSize is the capacity of the block cache for immutable files in
	// bytes. Zero disables the cache.
	CacheSize int64 `yaml:"cache-size"`
}

// DefaultOptions returns the default table options.
func DefaultOptions() Options {
	return Options{
		Buckets:                       1,
		WriteBufferSize:               256 << 20,
		PageSize:                      mergetree.DefaultPageSize,
		TargetFileSize:                mergetree.DefaultTargetFileSize,
		FileCompression:               compress.ZSTD.String(),
		FileBlockSize:                 mergetree.DefaultBlockSize,
		MergeEngine:                   "deduplicate",
		NumLevels:                     mergetree.DefaultNumLevels,
		CompactionStyle:               CompactionUniversal,
		NumSortedRunCompactionTrigger: 5,
		MaxSizeAmplificationPercent:   200,
		SizeRatio:                     1,
		CompactionMaxWorkers:          1,
		ManifestTargetFileSize:        8 << 20,
		ManifestMergeMinCount:         operation.DefaultManifestMergeMinCount,
		CommitMaxRetries:              operation.DefaultCommitMaxRetries,
		SnapshotNumRetainedMin:        10,
		SnapshotNumRetainedMax:        1000,
		SnapshotTimeRetained:          Duration(time.Hour),
	}
}

// Validate checks the options for consistency.
func (o Options) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...))
		}
	}

	check(o.Buckets > 0, "bucket must be positive, got %d", o.Buckets)
	check(o.WriteBufferSize >= 0, "write-buffer-size must not be negative")
	check(o.PageSize > 0, "page-size must be positive")
	check(o.WriteBufferSize == 0 || o.PageSize <= o.WriteBufferSize, "page-size %d exceeds write-buffer-size %d", o.PageSize, o.WriteBufferSize)
	check(o.TargetFileSize > 0, "target-file-size must be positive")
	check(o.FileBlockSize > 0, "file-block-size must be positive")
	check(o.NumLevels >= 2, "num-levels must be at least 2, got %d", o.NumLevels)
	check(o.NumSortedRunCompactionTrigger >= 2, "num-sorted-run-compaction-trigger must be at least 2")
	check(o.MaxSizeAmplificationPercent > 0, "max-size-amplification-percent must be positive")
	check(o.SizeRatio >= 0, "size-ratio must not be negative")
	check(o.CompactionMaxWorkers >= 0, "compaction-max-workers must not be negative")
	check(o.CompactionIOBytesPerSec >= 0, "compaction-io-bytes-per-sec must not be negative")
	check(o.ManifestTargetFileSize >= 0, "manifest-target-file-size must not be negative")
	check(o.ManifestMergeMinCount >= 0, "manifest-merge-min-count must not be negative")
	check(o.CommitMaxRetries > 0, "commit-max-retries must be positive")
	check(o.SnapshotNumRetainedMin >= 1, "snapshot-num-retained-min must be at least 1")
	check(o.SnapshotNumRetainedMax >= o.SnapshotNumRetainedMin,
		"snapshot-num-retained-max %d is less than snapshot-num-retained-min %d",
		o.SnapshotNumRetainedMax, o.SnapshotNumRetainedMin)
	check(o.SnapshotTimeRetained >= 0, "snapshot-time-retained must not be negative")
	check(o.CacheSize >= 0, "cache-size must not be negative")
	check(o.CompactionStyle == CompactionUniversal || o.CompactionStyle == CompactionLeveled,
		"unknown compaction-style %q", o.CompactionStyle)

	if _, err := compress.ParseType(o.FileCompression); err != nil {
		errs = append(errs, fmt.Errorf("%w: file-compression: %w", ErrInvalidArgument, err))
	}
	if _, ok := mergetree.MergeFunctionByName(o.MergeEngine); !ok {
		errs = append(errs, fmt.Errorf("%w: unknown merge-engine %q", ErrInvalidArgument, o.MergeEngine))
	}
	return errors.Join(errs...)
}

func (o Options) compactionPolicy() mergetree.CompactionPolicy {
	if o.CompactionStyle == CompactionLeveled {
		p := mergetree.NewLeveledCompaction()
		p.L0Threshold = o.NumSortedRunCompactionTrigger
		p.BaseSize = o.TargetFileSize
		return p
	}
	return &mergetree.UniversalCompaction{
		MaxSizeAmplificationPercent: o.MaxSizeAmplificationPercent,
		SizeRatio:                   o.SizeRatio,
		NumSortedRunTrigger:         o.NumSortedRunCompactionTrigger,
	}
}

// Duration is a time.Duration that reads and writes as a string such as
// "1h30m" in option files.
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: duration %q: %w", ErrInvalidArgument, s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.InterfaceMarshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

type options struct {
	table      Options
	codec      codec.Codec
	commitUser string
	logger     *Logger
	metrics    MetricsObserver
}

// Option configures Open.
type Option func(*options)

// WithOptions replaces the table options.
func WithOptions(o Options) Option {
	return func(opts *options) {
		opts.table = o
	}
}

// WithBuckets sets the number of buckets per partition.
func WithBuckets(n int) Option {
	return func(o *options) {
		o.table.Buckets = n
	}
}

// WithWriteBufferSize sets the memory pool shared by all bucket writers.
func WithWriteBufferSize(bytes int64) Option {
	return func(o *options) {
		o.table.WriteBufferSize = bytes
	}
}

// WithMergeEngine selects the merge engine by name.
func WithMergeEngine(name string) Option {
	return func(o *options) {
		o.table.MergeEngine = name
	}
}

// WithCodec configures the codec used for snapshot files.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithCommitUser sets the identity under which this process commits.
// Commits are idempotent per (user, identifier). Defaults to a random
// UUID, which makes idempotency hold only within one process.
func WithCommitUser(user string) Option {
	return func(o *options) {
		o.commitUser = user
	}
}

// WithMetricsObserver configures a metrics observer.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsObserver:
//
//	metrics := &tablestore.BasicMetricsObserver{}
//	t, _ := tablestore.Open(store, tablestore.WithMetricsObserver(metrics))
//	// ... use t ...
//	stats := metrics.GetStats()
//	fmt.Printf("Commits: %d, Avg latency: %dns\n", stats.CommitCount, stats.CommitAvgNanos)
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := tablestore.NewJSONLogger(slog.LevelInfo)
//	t, _ := tablestore.Open(store, tablestore.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		table:   DefaultOptions(),
		codec:   codec.Default,
		logger:  NoopLogger(),
		metrics: NoopMetricsObserver{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsObserver{}
	}
	return o
}
