package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/agentvault/internal/devnet"
	"github.com/alecgard/agentvault/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var devnetCmd = &cobra.Command{
	Use:   "devnet",
	Short: "Run a standalone in-process network with a bundler and paymaster relay",
	RunE:  runDevnet,
}

func init() {
	rootCmd.AddCommand(devnetCmd)
}

func runDevnet(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, relaySrv, err := newDevnet(cfg, nil)
	if err != nil {
		return err
	}
	m := metrics.New()
	relaySrv.SetMetrics(m)
	go relaySrv.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", relaySrv.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Devnet.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("devnet listening",
			"addr", cfg.Devnet.Listen,
			"chain_id", d.Chain.ChainID().String(),
			"entry_point", d.Chain.EntryPoint().Hex(),
			"factory", devnet.FactoryAddress.Hex(),
			"usdc", devnet.USDCAddress.Hex(),
			"paymaster", devnet.PaymasterAddress.Hex(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("devnet server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	relaySrv.Stop()
	return err
}
