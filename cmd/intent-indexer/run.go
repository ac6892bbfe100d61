package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/intent-indexer/internal/chain"
	"github.com/devblac/intent-indexer/internal/config"
	"github.com/devblac/intent-indexer/internal/health"
	"github.com/devblac/intent-indexer/internal/indexer"
	"github.com/devblac/intent-indexer/internal/metrics"
	"github.com/devblac/intent-indexer/internal/notify"
	"github.com/devblac/intent-indexer/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagHealth  string
	flagMetrics string

	dialer chain.Dialer = chain.DialEthclient
)

func init() {
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Index intents from every configured chain until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBDriver, cfg.Global.DBDSN)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		senders, err := notify.FromConfig(cfg.Notifiers)
		if err != nil {
			return err
		}
		dispatcher := notify.NewDispatcher(senders, log)

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			log.Info("metrics enabled", "addr", flagMetrics)
			defer shutdownServer(srv)
		}

		ctrl := indexer.New(cfg, store, indexer.Options{
			Logger:    log,
			Metrics:   mtr,
			Dialer:    dialer,
			OnAnomaly: dispatcher.Anomaly,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if _, err := ctrl.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}

		if flagHealth != "" {
			rpc := health.NewRPCChecker(ctrl)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: rpc.Ping,
				Chains:  rpc.Chains,
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdownServer(healthSrv)
		}

		if err := ctrl.StartIndexing(ctx); err != nil {
			_ = ctrl.StopIndexing(context.WithoutCancel(ctx))
			return fmt.Errorf("start indexing: %w", err)
		}

		<-ctx.Done()
		log.Info("shutdown requested")

		stopErr := ctrl.StopIndexing(context.WithoutCancel(ctx))
		waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dispatcher.Wait(waitCtx); err != nil {
			log.Warn("pending notifications abandoned", "error", err)
		}
		return stopErr
	},
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
