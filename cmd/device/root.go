package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ledgerpos/backend/internal/conflict"
	"ledgerpos/backend/internal/config"
	"ledgerpos/backend/internal/ledger"
	"ledgerpos/backend/internal/remote"
	"ledgerpos/backend/internal/store/sqlite"
	"ledgerpos/backend/internal/syncengine"
	"ledgerpos/backend/internal/syncqueue"
)

type rootOptions struct {
	ConfigPath string
	Verbose    bool
	UserID     string

	// logger overrides the logger built from Verbose.
	logger *zap.Logger
}

func newRootCommand(logger *zap.Logger) *cobra.Command {
	opts := &rootOptions{logger: logger}

	cmd := &cobra.Command{
		Use:   "ledgerpos-device",
		Short: "Offline-first point of sale ledger",
		Long: `Records sales, purchases, expenses and stock adjustments in a local
SQLite ledger and delivers them to the sync backend when it is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "", "user id (defaults to DEVICE_USER_ID)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newRecordCommand(opts))
	cmd.AddCommand(newReportCommand(opts))
	cmd.AddCommand(newSchemaCommand(opts))

	return cmd
}

// device is one opened local ledger together with its queue.
type device struct {
	cfg    config.Config
	userID string
	logger *zap.Logger
	store  *sqlite.Store
	ledger *ledger.Engine
	queue  *syncqueue.Queue
}

func (o *rootOptions) open() (*device, error) {
	cfg, err := config.LoadFile(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	userID := strings.TrimSpace(o.UserID)
	if userID == "" {
		userID = cfg.DeviceUserID
	}
	if userID == "" {
		return nil, errors.New("no user: pass --user or set DEVICE_USER_ID")
	}

	logger := o.logger
	if logger == nil {
		if o.Verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}

	st, err := sqlite.Open(cfg.DeviceDBPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DeviceDBPath, err)
	}

	policy := syncqueue.Policy{
		MaxRetryCount: cfg.MaxRetryCount,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
		Jitter:        cfg.BackoffJitter,
	}
	return &device{
		cfg:    cfg,
		userID: userID,
		logger: logger,
		store:  st,
		ledger: ledger.New(st, ledger.Options{EnforceNoNegativeStock: cfg.EnforceNoNegativeStock}, logger.Named("ledger")),
		queue:  syncqueue.New(st, policy, logger.Named("queue")),
	}, nil
}

func (d *device) Close() error {
	_ = d.logger.Sync()
	return d.store.Close()
}

// engine builds the sync engine against the configured backend.
func (d *device) engine() (*syncengine.Engine, error) {
	if d.cfg.RemoteBaseURL == "" {
		return nil, errors.New("REMOTE_BASE_URL is not configured")
	}
	if d.cfg.DeviceToken == "" {
		return nil, errors.New("DEVICE_TOKEN is not configured")
	}
	tokens := remote.NewStaticTokens(map[string]string{d.userID: d.cfg.DeviceToken})
	client := remote.NewHTTPClient(d.cfg.RemoteBaseURL, d.cfg.RemoteTimeout, tokens)
	opts := syncengine.Options{
		BatchSize:     d.cfg.BatchSize,
		RemoteTimeout: d.cfg.RemoteTimeout,
		Interval:      d.cfg.SyncInterval,
		ProbeInterval: d.cfg.ProbeInterval,
	}
	resolver := conflict.NewResolver(d.logger.Named("conflict"))
	return syncengine.New(d.store, d.queue, client, resolver, opts, d.logger.Named("sync")), nil
}

// withDevice opens the device for the duration of fn.
func withDevice(opts *rootOptions, fn func(d *device) error) error {
	d, err := opts.open()
	if err != nil {
		return err
	}
	defer func() {
		_ = d.Close()
	}()
	return fn(d)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
