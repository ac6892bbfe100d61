package main

import (
	"encoding/json"
	"fmt"

	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/intent"
	"github.com/devblac/intent-indexer/internal/storage"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <order-id>",
	Short: "Print one indexed intent as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBDriver, cfg.Global.DBDSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		rec, err := store.GetIntent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("inspect %s: %w", args[0], intent.ErrNotFound)
		}
		body, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal intent: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	},
}
