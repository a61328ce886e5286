package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hupe1980/tablestore"
	"github.com/hupe1980/tablestore/observer"
)

// retentionFlags override the retention options of the option file.
type retentionFlags struct {
	retainMin int
	retainMax int
	maxAge    time.Duration
}

func (r *retentionFlags) register(cmd *cobra.Command) {
	d := tablestore.DefaultOptions()
	cmd.Flags().IntVar(&r.retainMin, "retain-min", d.SnapshotNumRetainedMin, "Minimum number of snapshots to keep")
	cmd.Flags().IntVar(&r.retainMax, "retain-max", d.SnapshotNumRetainedMax, "Maximum number of snapshots to keep")
	cmd.Flags().DurationVar(&r.maxAge, "max-age", time.Duration(d.SnapshotTimeRetained), "Age after which snapshots may expire")
}

// options merges explicitly set flags over the table options.
func (r *retentionFlags) options(cmd *cobra.Command, o tablestore.Options) tablestore.ExpireOptions {
	eo := tablestore.ExpireOptions{
		RetainMin: o.SnapshotNumRetainedMin,
		RetainMax: o.SnapshotNumRetainedMax,
		MaxAge:    time.Duration(o.SnapshotTimeRetained),
	}
	if cmd.Flags().Changed("retain-min") {
		eo.RetainMin = r.retainMin
	}
	if cmd.Flags().Changed("retain-max") {
		eo.RetainMax = r.retainMax
	}
	if cmd.Flags().Changed("max-age") {
		eo.MaxAge = r.maxAge
	}
	return eo
}

func newExpireCmd(a *app) *cobra.Command {
	var rf retentionFlags

	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Delete snapshots beyond the retention policy and their files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTable(cmd, func(ctx context.Context, t *tablestore.Table) error {
				stats, err := t.ExpireWith(ctx, rf.options(cmd, t.Options()))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d snapshots, %d data files, %d manifests, %d manifest lists\n",
					stats.Snapshots, stats.DataFiles, stats.Manifests, stats.ManifestLists)
				return nil
			})
		},
	}
	rf.register(cmd)
	return cmd
}

func newRemoveOrphansCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "remove-orphans",
		Short: "Delete files no snapshot references",
		Long: `remove-orphans deletes data files and manifests that no snapshot
references. Only files older than --older-than are considered, so files of
commits in flight survive; keep it well above the longest commit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTable(cmd, func(ctx context.Context, t *tablestore.Table) error {
				n, err := t.RemoveOrphanFiles(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d orphan files\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Minimum age of removed files")
	return cmd
}

func newMaintainCmd(a *app) *cobra.Command {
	var (
		rf        retentionFlags
		interval  time.Duration
		olderThan time.Duration
		listen    string
	)

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Periodically expire snapshots and remove orphan files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("interval must be positive, got %s", interval)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			a.metrics = observer.NewPrometheus("tablestore", reg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return a.withTable(cmd, func(ctx context.Context, t *tablestore.Table) error {
				logger, err := a.logger(cmd.ErrOrStderr())
				if err != nil {
					return err
				}

				srv := &http.Server{
					Addr:              listen,
					Handler:           metricsMux(reg),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					logger.Info("Serving metrics", "address", listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("Metrics server failed", "error", err)
						stop()
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()

				return maintainLoop(ctx, t, logger.Logger, interval, func() error {
					if _, err := t.ExpireWith(ctx, rf.options(cmd, t.Options())); err != nil {
						return err
					}
					_, err := t.RemoveOrphanFiles(ctx, olderThan)
					return err
				})
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Minute, "Time between maintenance passes")
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "Minimum age of removed orphan files")
	cmd.Flags().StringVar(&listen, "listen", ":9090", "Address of the /metrics endpoint")
	return cmd
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// maintainLoop runs pass immediately and then every interval until ctx is
// done. Failed passes are logged and retried on the next tick.
func maintainLoop(ctx context.Context, t *tablestore.Table, logger *slog.Logger, interval time.Duration, pass func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := pass(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("Maintenance pass failed", "error", err)
		} else {
			logger.Debug("Maintenance pass completed", "memory_usage", t.MemoryUsage())
		}

		select {
		case <-ctx.Done():
			logger.Info("Stopping maintenance", "reason", context.Cause(ctx))
			return nil
		case <-ticker.C:
		}
	}
}
