package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the sync queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Count records per sync status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDevice(opts, func(d *device) error {
					stats, err := d.queue.Stats(cmd.Context(), d.userID)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), stats)
				})
			},
		},
		&cobra.Command{
			Use:   "failed",
			Short: "List records that exhausted their retries or were rejected",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDevice(opts, func(d *device) error {
					failures, err := d.queue.Failed(cmd.Context(), d.userID)
					if err != nil {
						return err
					}
					records := make([]any, 0, len(failures))
					for _, f := range failures {
						records = append(records, f.Record)
					}
					return printJSON(cmd.OutOrStdout(), records)
				})
			},
		},
		&cobra.Command{
			Use:   "retry <record-id>",
			Short: "Give a failed record a fresh retry budget",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid record id %q", args[0])
				}
				return withDevice(opts, func(d *device) error {
					rec, err := d.queue.Requeue(cmd.Context(), id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), rec)
				})
			},
		},
		newPurgeCommand(opts),
	)
	return cmd
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete synced records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDevice(opts, func(d *device) error {
				window := d.cfg.SyncedRetention
				if cmd.Flags().Changed("older-than") {
					window = olderThan
				}
				removed, err := d.queue.Purge(cmd.Context(), d.userID, time.Now().UTC().Add(-window))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override SYNCED_RETENTION")
	return cmd
}
