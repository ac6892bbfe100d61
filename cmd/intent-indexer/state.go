package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/storage"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the persisted block cursor of each chain",
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

		cursors, err := store.ListCursors(cmd.Context())
		if err != nil {
			return err
		}
		if len(cursors) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "state: no cursors recorded yet")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CHAIN\tHEIGHT\tHASH\tUPDATED")
		for _, c := range cursors {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.Chain, c.Height, c.Hash, c.UpdatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	},
}
