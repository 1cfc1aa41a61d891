package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync continuously until interrupted",
		Long: `Keeps the local queue draining: on every interval tick, whenever the
backend becomes reachable again and when a retry backoff elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withDevice(opts, func(d *device) error {
				engine, err := d.engine()
				if err != nil {
					return err
				}
				purgeSynced(ctx, d)
				d.logger.Info("sync loop started", zap.String("user_id", d.userID), zap.String("remote", d.cfg.RemoteBaseURL))
				err = engine.Run(ctx, d.userID)
				if errors.Is(err, context.Canceled) {
					d.logger.Info("sync loop stopped", zap.String("user_id", d.userID))
					return nil
				}
				return err
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDevice(opts, func(d *device) error {
				engine, err := d.engine()
				if err != nil {
					return err
				}
				result, err := engine.SyncNow(cmd.Context(), d.userID)
				if err != nil {
					return err
				}
				purgeSynced(cmd.Context(), d)
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func purgeSynced(ctx context.Context, d *device) {
	removed, err := d.queue.Purge(ctx, d.userID, time.Now().UTC().Add(-d.cfg.SyncedRetention))
	if err != nil {
		d.logger.Warn("purge synced records", zap.Error(err))
		return
	}
	if removed > 0 {
		d.logger.Debug("purged synced records", zap.Int("count", removed))
	}
}

func newSchemaCommand(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <table>",
		Short: "Print the JSON schema of a table's mutation payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := mutation.Schema(domain.Table(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), schema)
		},
	}
}
