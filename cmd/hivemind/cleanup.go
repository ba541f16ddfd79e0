package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemind-dev/hivemind/pkg/database"
	"github.com/hivemind-dev/hivemind/pkg/msglog"
	"github.com/hivemind-dev/hivemind/pkg/store"
)

func newCleanupCmd(root *rootOptions) *cobra.Command {
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune the message log and delete old sealed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if retentionDays == 0 {
				retentionDays = cfg.Retention.SessionRetentionDays
			}
			if retentionDays < 0 {
				return usageErr("--retention-days must not be negative")
			}

			client, err := database.NewClient(cmd.Context(), cfg.Database)
			if err != nil {
				return internalErr(fmt.Errorf("database init: %w", err))
			}
			defer client.Close()

			log, err := msglog.New(cmd.Context(), client, slog.Default())
			if err != nil {
				return internalErr(err)
			}
			defer log.Close()

			// Messages below every receiver's watermark have been
			// processed by everyone and are safe to drop.
			watermark, err := log.MinWatermark(cmd.Context())
			if err != nil {
				return internalErr(err)
			}
			pruned := int64(0)
			if watermark > 0 {
				pruned, err = log.Prune(cmd.Context(), watermark)
				if err != nil {
					return internalErr(err)
				}
			}

			st := store.New(client, slog.Default())
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			deleted, err := st.DeleteSealedBefore(cmd.Context(), cutoff)
			if err != nil {
				return internalErr(err)
			}

			fmt.Printf("pruned %d messages, deleted %d sealed sessions older than %d days\n",
				pruned, deleted, retentionDays)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "delete sealed sessions older than this (0 uses the configured default)")
	return cmd
}
