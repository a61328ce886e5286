package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/tablestore"
	"github.com/hupe1980/tablestore/codec"
)

func newSnapshotsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List the snapshots of a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withTable(cmd, func(ctx context.Context, t *tablestore.Table) error {
				snaps, err := t.Snapshots(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					data, err := codec.MarshalIndent(snaps)
					if err != nil {
						return err
					}
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tUSER\tIDENTIFIER\tTIME\tTOTAL\tDELTA")
				for _, s := range snaps {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d\t%d\n",
						s.ID, s.CommitKind, s.CommitUser, s.CommitIdentifier,
						s.Time().UTC().Format(time.RFC3339), s.TotalRecordCount, s.DeltaRecordCount)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print snapshots as JSON")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	var sf scanFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the live files of a snapshot per partition and bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := sf.options()
			if err != nil {
				return err
			}
			return a.withTable(cmd, func(ctx context.Context, t *tablestore.Table) error {
				plan, err := t.Plan(ctx, opts...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "snapshot %d\n", plan.SnapshotID)

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PARTITION\tBUCKET\tFILES\tROWS\tBYTES")
				for _, split := range plan.Splits() {
					var rows, size int64
					for _, f := range split.Files {
						rows += f.RowCount
						size += f.FileSize
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", split.Partition, split.Bucket, len(split.Files), rows, size)
				}
				return tw.Flush()
			})
		},
	}
	sf.register(cmd)
	return cmd
}

func newReadCmd(a *app) *cobra.Command {
	var (
		sf    scanFlags
		limit int
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print the live records of a snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := sf.options()
			if err != nil {
				return err
			}
			return a.withTable(cmd, func(ctx context.Context, t *tablestore.Table) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				n := 0
				for row, err := range t.Scan(ctx, opts...) {
					if err != nil {
						return err
					}
					if limit > 0 && n >= limit {
						break
					}
					fmt.Fprintf(tw, "%s\t%d\t%q\t%q\n", row.Partition, row.Bucket, row.Key, row.Value)
					n++
				}
				return tw.Flush()
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of records (0 for all)")
	return cmd
}
