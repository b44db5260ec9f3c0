package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alecgard/agentvault/internal/crypto"
	"github.com/alecgard/agentvault/internal/factory"
	"github.com/alecgard/agentvault/internal/operator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Register a demo operator for the devnet",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// Demo identity: the first well-known development account owns agent 1.
var (
	demoOwner      = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	demoAgentID    = big.NewInt(1)
	demoDailyLimit = big.NewInt(100_000_000) // 100 USDC
)

// clonePredictor computes account addresses offline from the factory's
// CREATE2 parameters, so seeding works before any relay is up.
type clonePredictor struct {
	factory        common.Address
	implementation common.Address
}

func (p clonePredictor) AccountAddress(_ context.Context, owner common.Address, agentID *big.Int) (common.Address, error) {
	return factory.PredictAddress(p.factory, p.implementation, owner, agentID), nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	operatorStore := operator.NewStore(pool)

	// Check if seed has already run.
	existing, _, err := operatorStore.List(ctx, operator.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing operators: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("operators already exist, skipping seed")
		return nil
	}

	cipher, err := crypto.NewCipher(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("encryption.key: %w", err)
	}
	registrar := operator.NewRegistrar(operatorStore, cipher, clonePredictor{
		factory:        common.HexToAddress(cfg.Chain.Factory),
		implementation: common.HexToAddress(cfg.Chain.Implementation),
	})

	reg, err := registrar.Register(ctx, operator.RegisterInput{
		Name:       "demo-operator",
		AgentID:    demoAgentID,
		Owner:      demoOwner,
		RateLimit:  120,
		DailyLimit: demoDailyLimit,
		ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("registering demo operator: %w", err)
	}

	o := reg.Operator
	slog.Info("created demo operator", "id", o.ID, "name", o.Name)
	fmt.Printf("\n=== Demo Operator Seeded ===\n")
	fmt.Printf("Operator:  %s (%s)\n", o.Name, o.ID)
	fmt.Printf("Agent:     %s\n", o.AgentID)
	fmt.Printf("Account:   %s\n", o.Account)
	fmt.Printf("Signer:    %s\n", o.Signer)
	fmt.Printf("API Key:   %s\n", reg.APIKey)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:%d/api/v1/account\n", reg.APIKey, cfg.Server.Port)
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -d '{\"to\":\"%s\",\"amount\":\"1000000000000000\"}' http://localhost:%d/api/v1/payments\n",
		reg.APIKey, demoOwner.Hex(), cfg.Server.Port)

	return nil
}
