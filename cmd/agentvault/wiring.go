package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecgard/agentvault/internal/config"
	"github.com/alecgard/agentvault/internal/devnet"
	"github.com/alecgard/agentvault/internal/instruction"
	"github.com/alecgard/agentvault/internal/oracle"
	"github.com/alecgard/agentvault/internal/relay"
	"github.com/alecgard/agentvault/internal/sequencer"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// devnetFunderBalance is minted to the funder key on an embedded network.
var devnetFunderBalance = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))

// network holds the chain values shared by the instruction client, the
// registrar and the funder.
type network struct {
	chainID    *big.Int
	entryPoint common.Address
	version    userop.Version
	factory    common.Address
	relayURL   string
}

func setupLogger() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseWei(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, s)
	}
	return v, nil
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	return ethcrypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
}

func remoteNetwork(cfg *config.Config) network {
	return network{
		chainID:    big.NewInt(cfg.Chain.ChainID),
		entryPoint: common.HexToAddress(cfg.Chain.EntryPoint),
		version:    userop.Version(cfg.Chain.EntryPointVersion),
		factory:    common.HexToAddress(cfg.Chain.Factory),
		relayURL:   cfg.Relay.URL,
	}
}

// embeddedNetwork describes the in-process devnet reachable at relayURL.
func embeddedNetwork(cfg *config.Config, relayURL string) network {
	n := network{
		chainID:    big.NewInt(cfg.Devnet.ChainID),
		entryPoint: userop.EntryPointV07,
		version:    userop.Version(cfg.Chain.EntryPointVersion),
		factory:    devnet.FactoryAddress,
		relayURL:   relayURL,
	}
	if n.version == userop.V06 {
		n.entryPoint = userop.EntryPointV06
	}
	return n
}

func oracleCurve(c config.OracleConfig) (oracle.Curve, error) {
	perPoint, err := parseWei("oracle.cap_per_point", c.CapPerPoint)
	if err != nil {
		return oracle.Curve{}, err
	}
	minCap, err := parseWei("oracle.min_cap", c.MinCap)
	if err != nil {
		return oracle.Curve{}, err
	}
	maxCap, err := parseWei("oracle.max_cap", c.MaxCap)
	if err != nil {
		return oracle.Curve{}, err
	}
	return oracle.Curve{CapPerPoint: perPoint, MinCap: minCap, MaxCap: maxCap}, nil
}

// newDevnet assembles the in-process network, deploys the configured pools
// and returns a relay serving it.
func newDevnet(cfg *config.Config, store oracle.BaselineStore) (*devnet.Devnet, *relay.Server, error) {
	deposit, err := parseWei("devnet.paymaster_deposit", cfg.Devnet.PaymasterDeposit)
	if err != nil {
		return nil, nil, err
	}
	curve, err := oracleCurve(cfg.Oracle)
	if err != nil {
		return nil, nil, err
	}
	d, err := devnet.New(devnet.Config{
		ChainID:          big.NewInt(cfg.Devnet.ChainID),
		Version:          userop.Version(cfg.Chain.EntryPointVersion),
		PaymasterDeposit: deposit,
		Curve:            curve,
		Store:            store,
	})
	if err != nil {
		return nil, nil, err
	}

	for i, seed := range cfg.Devnet.Pools {
		agentID, ok := new(big.Int).SetString(seed.AgentID, 10)
		if !ok {
			return nil, nil, fmt.Errorf("devnet.pools[%d]: invalid agent_id %q", i, seed.AgentID)
		}
		dailyCap, err := parseWei(fmt.Sprintf("devnet.pools[%d].daily_cap", i), seed.DailyCap)
		if err != nil {
			return nil, nil, err
		}
		owner := common.HexToAddress(seed.Owner)
		pool, err := d.CreatePool(devnet.PoolParams{
			AgentID:         agentID,
			Agent:           common.HexToAddress(seed.Agent),
			Owner:           owner,
			Admin:           owner,
			DailyCap:        dailyCap,
			VestingDuration: seed.Vesting,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("pool deployed", "agent_id", agentID.String(), "pool", pool.Address().Hex(), "daily_cap", dailyCap.String())
	}

	srv := relay.NewServer(d.Chain, relay.Config{
		Beneficiary:    devnet.DeployerAddress,
		BundleInterval: cfg.Devnet.BundleInterval,
		MaxBundleSize:  cfg.Devnet.MaxBundleSize,
		Paymaster:      devnet.PaymasterAddress,
		SponsorshipTTL: cfg.Devnet.SponsorshipTTL,
	})
	return d, srv, nil
}

func newInstructionClient(n network, rc config.RelayConfig) (*instruction.Client, error) {
	client := relay.NewClient(n.relayURL, &http.Client{Timeout: 30 * time.Second})
	return instruction.New(client, instruction.Config{
		EntryPoint:   n.entryPoint,
		ChainID:      n.chainID,
		Version:      n.version,
		Sponsored:    rc.Sponsored,
		PollInterval: rc.PollInterval,
		PollTimeout:  rc.PollTimeout,
	})
}

// newFunder returns nil when no funding key is configured. On an embedded
// network a missing key is generated and minted a starting balance.
func newFunder(ctx context.Context, cfg *config.Config, n network, d *devnet.Devnet) (*sequencer.Funder, error) {
	var key *ecdsa.PrivateKey
	var err error
	switch {
	case cfg.Funder.PrivateKey != "":
		if key, err = parseKey(cfg.Funder.PrivateKey); err != nil {
			return nil, fmt.Errorf("funder.private_key: %w", err)
		}
	case d != nil:
		if key, err = ethcrypto.GenerateKey(); err != nil {
			return nil, err
		}
	default:
		return nil, nil
	}

	amount, err := parseWei("funder.top_up_amount", cfg.Funder.TopUpAmount)
	if err != nil {
		return nil, err
	}
	backend, err := ethclient.DialContext(ctx, n.relayURL)
	if err != nil {
		return nil, fmt.Errorf("dialing relay for funder: %w", err)
	}
	f, err := sequencer.NewFunder(key, backend, n.chainID, amount)
	if err != nil {
		return nil, err
	}
	if d != nil {
		d.Chain.Mint(f.Address(), devnetFunderBalance)
	}
	slog.Info("funder ready", "address", f.Address().Hex(), "top_up", amount.String())
	return f, nil
}
