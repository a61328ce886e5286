package tablestore

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/tablestore/kv"
)

// Logger wraps slog.Logger with table-store-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(p kv.Partition) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", p.String()),
	}
}

// WithBucket adds a bucket field to the logger.
func (l *Logger) WithBucket(bucket int) *Logger {
	return &Logger{
		Logger: l.Logger.With("bucket", bucket),
	}
}

// WithCommitUser adds a commit user field to the logger.
func (l *Logger) WithCommitUser(user string) *Logger {
	return &Logger{
		Logger: l.Logger.With("commit_user", user),
	}
}

// LogCommit logs a commit operation.
func (l *Logger) LogCommit(ctx context.Context, identifier uint64, snap *Snapshot, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Commit failed",
			"identifier", identifier,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "Commit completed",
			"identifier", identifier,
			"snapshot", snap.ID,
			"kind", snap.CommitKind,
		)
	}
}

// LogExpire logs an expire pass.
func (l *Logger) LogExpire(ctx context.Context, stats ExpireStats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Expire failed",
			"snapshots", stats.Snapshots,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "Expire completed",
			"snapshots", stats.Snapshots,
			"data_files", stats.DataFiles,
			"manifests", stats.Manifests,
		)
	}
}

// LogOrphans logs an orphan file removal pass.
func (l *Logger) LogOrphans(ctx context.Context, removed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "Orphan removal failed",
			"removed", removed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "Orphan removal completed",
			"removed", removed,
		)
	}
}
