package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/tablestore"
	"github.com/hupe1980/tablestore/kv"
)

// app holds the flags shared by all commands.
type app struct {
	table       string
	optionsFile string
	logLevel    string
	logFormat   string
	store       storeFlags

	// metrics is set by commands that export metrics.
	metrics tablestore.MetricsObserver
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "tablestore",
		Short: "Inspect and maintain tablestore tables",
		Long: `tablestore inspects and maintains snapshot-versioned key-value tables
stored on a local directory (path or file://), S3 (s3://bucket/prefix) or a
MinIO server (s3://bucket/prefix with --minio-endpoint).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&a.table, "table", "t", "", "Table location")
	f.StringVar(&a.optionsFile, "options", "", "YAML option file")
	f.StringVar(&a.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	f.StringVar(&a.logFormat, "log-format", "text", "Log format (text, json)")
	f.StringVar(&a.store.region, "region", "", "AWS region")
	f.StringVar(&a.store.s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint")
	f.StringVar(&a.store.dynamoDBTable, "dynamodb-table", "", "DynamoDB table that serializes commits on S3")
	f.StringVar(&a.store.minioEndpoint, "minio-endpoint", "", "MinIO endpoint (host:port)")
	f.StringVar(&a.store.minioAccessKey, "minio-access-key", "", "MinIO access key")
	f.StringVar(&a.store.minioSecretKey, "minio-secret-key", "", "MinIO secret key")
	f.BoolVar(&a.store.minioSecure, "minio-secure", true, "Use TLS for MinIO")
	_ = cmd.MarkPersistentFlagRequired("table")

	cmd.AddCommand(
		newSnapshotsCmd(a),
		newPlanCmd(a),
		newReadCmd(a),
		newExpireCmd(a),
		newRemoveOrphansCmd(a),
		newMaintainCmd(a),
	)
	return cmd
}

func (a *app) logger(w io.Writer) (*tablestore.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", a.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch a.logFormat {
	case "text":
		return tablestore.NewLogger(slog.NewTextHandler(w, opts)), nil
	case "json":
		return tablestore.NewLogger(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", a.logFormat)
	}
}

// open opens the table with the option file applied.
func (a *app) open(cmd *cobra.Command) (*tablestore.Table, error) {
	ctx := cmd.Context()

	opts := tablestore.DefaultOptions()
	if a.optionsFile != "" {
		var err error
		if opts, err = tablestore.LoadOptions(a.optionsFile); err != nil {
			return nil, err
		}
	}
	logger, err := a.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, a.table, a.store)
	if err != nil {
		return nil, err
	}
	return tablestore.Open(store,
		tablestore.WithOptions(opts),
		tablestore.WithLogger(logger),
		tablestore.WithMetricsObserver(a.metrics),
		tablestore.WithCommitUser("tablestore-cli"),
	)
}

// withTable runs fn against the opened table and closes it afterwards.
func (a *app) withTable(cmd *cobra.Command, fn func(ctx context.Context, t *tablestore.Table) error) error {
	t, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer t.Close(context.WithoutCancel(cmd.Context()))
	return fn(cmd.Context(), t)
}

// scanFlags are the plan filters shared by plan and read.
type scanFlags struct {
	snapshot  int64
	partition string
	buckets   []int
	start     string
	end       string
}

func (s *scanFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&s.snapshot, "snapshot", 0, "Snapshot id (default latest)")
	cmd.Flags().StringVarP(&s.partition, "partition", "p", "", "Partition spec, e.g. dt=2024-01-01,hr=10")
	cmd.Flags().IntSliceVarP(&s.buckets, "bucket", "b", nil, "Buckets to include")
	cmd.Flags().StringVar(&s.start, "start", "", "Inclusive start key")
	cmd.Flags().StringVar(&s.end, "end", "", "Exclusive end key")
}

func (s *scanFlags) options() ([]tablestore.ScanOption, error) {
	var opts []tablestore.ScanOption
	if s.snapshot > 0 {
		opts = append(opts, tablestore.ScanSnapshot(s.snapshot))
	}
	if strings.TrimSpace(s.partition) != "" {
		spec, err := kv.ParseSpec(s.partition)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tablestore.ScanPartitions(spec))
	}
	if len(s.buckets) > 0 {
		opts = append(opts, tablestore.ScanBuckets(s.buckets...))
	}
	if s.start != "" || s.end != "" {
		var start, end []byte
		if s.start != "" {
			start = []byte(s.start)
		}
		if s.end != "" {
			end = []byte(s.end)
		}
		opts = append(opts, tablestore.ScanKeyRange(start, end))
	}
	return opts, nil
}
