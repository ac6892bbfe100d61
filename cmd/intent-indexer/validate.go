package main

import (
	"context"
	"fmt"

	"github.com/devblac/intent-indexer/internal/chain"
	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/subscriber"
	"github.com/spf13/cobra"
)

var flagSkipRPC bool

func init() {
	validateCmd.Flags().BoolVar(&flagSkipRPC, "skip-rpc", false, "Only check the config file")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and connect to every chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d chains)\n", cfg.Version, len(cfg.Chains))

		for _, ch := range cfg.Chains {
			if _, err := subscriber.LoadABI(ch.ABIPath); err != nil {
				return fmt.Errorf("chain %s: %w", ch.Name, err)
			}
		}
		if flagSkipRPC {
			return nil
		}

		manager := chain.NewManager(chain.Options{
			Dialer:         dialer,
			ConnectTimeout: cfg.Global.ConnectTimeout.Std(),
		})
		res, initErr := manager.Initialize(cmd.Context(), cfg.Chains)
		for _, ch := range cfg.Chains {
			if cerr, failed := res.Failed[ch.Name]; failed {
				fmt.Fprintf(out, "- chain %s (%d): ERROR %v\n", ch.Name, ch.ChainID, cerr)
				continue
			}
			mode := "polling"
			if ch.Streaming() {
				mode = "streaming"
			}
			fmt.Fprintf(out, "- chain %s (%d): OK %s\n", ch.Name, ch.ChainID, mode)
		}
		if err := manager.Stop(context.WithoutCancel(cmd.Context())); err != nil {
			return err
		}

		if initErr != nil || res.FailedChains() > 0 {
			return fmt.Errorf("validate: %d chain(s) failed connectivity", res.FailedChains())
		}
		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
