package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/agentvault/internal/api"
	"github.com/alecgard/agentvault/internal/auth"
	"github.com/alecgard/agentvault/internal/crypto"
	"github.com/alecgard/agentvault/internal/devnet"
	"github.com/alecgard/agentvault/internal/ledger"
	"github.com/alecgard/agentvault/internal/metrics"
	"github.com/alecgard/agentvault/internal/operator"
	"github.com/alecgard/agentvault/internal/oracle"
	"github.com/alecgard/agentvault/internal/ratelimit"
	"github.com/alecgard/agentvault/internal/relay"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the AgentVault API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	operatorStore := operator.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	collector := ledger.NewCollector(ledgerStore, cfg.Ledger.BatchSize, cfg.Ledger.FlushInterval)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	cipher, err := crypto.NewCipher(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("encryption.key: %w", err)
	}
	if cipher == nil {
		slog.Warn("encryption key not set; operator signing keys are stored unencrypted")
	}

	nw := remoteNetwork(cfg)
	var (
		dn       *devnet.Devnet
		relaySrv *relay.Server
	)
	if cfg.Devnet.Embedded {
		dn, relaySrv, err = newDevnet(cfg, oracle.NewPGStore(pool))
		if err != nil {
			return fmt.Errorf("starting devnet: %w", err)
		}
		relaySrv.SetMetrics(m)
		go relaySrv.Start(ctx)
		nw = embeddedNetwork(cfg, fmt.Sprintf("http://127.0.0.1:%d/rpc", cfg.Server.Port))
		slog.Info("embedded devnet started", "chain_id", nw.chainID.String(), "entry_point", nw.entryPoint.Hex())
	}

	client, err := newInstructionClient(nw, cfg.Relay)
	if err != nil {
		return err
	}
	client.SetMetrics(m)

	minBalance, err := parseWei("funder.min_balance", cfg.Funder.MinBalance)
	if err != nil {
		return err
	}
	executor := operator.NewExecutor(client, cipher, collector, operator.ExecutorConfig{
		Factory:    nw.factory,
		MinBalance: minBalance,
	})
	if !cfg.Relay.Sponsored {
		funder, err := newFunder(ctx, cfg, nw, dn)
		if err != nil {
			return err
		}
		if funder != nil {
			defer funder.Close()
			funder.SetMetrics(m)
			executor.SetFunder(funder)
		}
	}

	registrar := operator.NewRegistrar(operatorStore, cipher, operator.FactoryPredictor{
		Factory: nw.factory,
		Source:  client,
	})
	authService := auth.NewService(operator.NewAuthAdapter(operatorStore))
	authService.SetMetrics(m)
	limiter := ratelimit.NewScoped(ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window), cfg.RateLimit.Account)

	deps := api.RouterDeps{
		Operators:      operatorStore,
		Registrar:      registrar,
		Executor:       executor,
		Ledger:         ledgerStore,
		Auth:           authService,
		Limiter:        limiter,
		OracleTags:     cfg.Oracle.Tags,
		OracleWeights:  cfg.Oracle.Weights,
		Metrics:        m,
		DBPool:         pool,
		AdminKey:       cfg.Admin.Key,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if dn != nil {
		deps.Oracle = dn.Oracle
		deps.RPC = relaySrv.Handler()
	}
	if cfg.Admin.Key == "" {
		slog.Warn("admin key not set; admin endpoints will reject every request")
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      http.MaxBytesHandler(api.NewRouter(deps), cfg.Server.MaxRequestSize),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "relay", nw.relayURL, "sponsored", cfg.Relay.Sponsored)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	if relaySrv != nil {
		relaySrv.Stop()
	}
	collector.Stop()
	return err
}
