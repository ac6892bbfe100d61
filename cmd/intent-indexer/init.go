package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/devblac/intent-indexer/internal/config"
	"github.com/spf13/cobra"
)

var flagForce bool

func init() {
	initCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config for the Arbitrum and Base settlers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !flagForce {
			return fmt.Errorf("init: %s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("init: %w", err)
		}
		if err := os.WriteFile(cfgPath, []byte(config.Sample), 0o644); err != nil {
			return fmt.Errorf("init: write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "init: wrote %s\n", cfgPath)
		return nil
	},
}
