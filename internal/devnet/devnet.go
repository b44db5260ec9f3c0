// Package devnet assembles a complete in-process network: entry point,
// account factory, a USDC-style asset, per-agent capital pools, the
// reputation registry and the score oracle.
package devnet

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alecgard/agentvault/internal/account"
	"github.com/alecgard/agentvault/internal/chain"
	"github.com/alecgard/agentvault/internal/factory"
	"github.com/alecgard/agentvault/internal/oracle"
	"github.com/alecgard/agentvault/internal/token"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/alecgard/agentvault/internal/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Well-known devnet addresses.
var (
	FactoryAddress        = common.HexToAddress("0x00000000000000000000000000000000000fac70")
	ImplementationAddress = common.HexToAddress("0x00000000000000000000000000000000000acc01")
	USDCAddress           = common.HexToAddress("0x00000000000000000000000000000000000005dc")
	OracleAddress         = common.HexToAddress("0x00000000000000000000000000000000000041c1")
	PaymasterAddress      = common.HexToAddress("0x000000000000000000000000000000000000fee5")
	DeployerAddress       = common.HexToAddress("0x000000000000000000000000000000000000de91")
)

var ErrPoolExists = errors.New("pool already deployed for agent")

// Config sets up the network.
type Config struct {
	ChainID          *big.Int
	Version          userop.Version
	Clock            func() time.Time
	PaymasterDeposit *big.Int
	Curve            oracle.Curve
	// Store persists oracle baselines; nil keeps them in memory.
	Store oracle.BaselineStore
}

// Devnet is the assembled network.
type Devnet struct {
	Chain      *chain.Chain
	USDC       *token.Token
	Factory    *factory.Factory
	Reputation *oracle.Reputation
	Oracle     *oracle.Oracle

	mu    sync.RWMutex
	pools map[string]*vault.Pool
}

// New deploys every contract and funds the paymaster.
func New(cfg Config) (*Devnet, error) {
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(31337)
	}
	entryPoint := userop.EntryPointV07
	if cfg.Version == userop.V06 {
		entryPoint = userop.EntryPointV06
	}
	c, err := chain.New(chain.Config{
		ChainID:    cfg.ChainID,
		EntryPoint: entryPoint,
		Version:    cfg.Version,
		Clock:      cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chain: %w", err)
	}

	d := &Devnet{
		Chain:      c,
		USDC:       token.New(USDCAddress, "USD Coin", "USDC", 6),
		Reputation: oracle.NewReputation(),
		pools:      make(map[string]*vault.Pool),
	}
	cloneCode := cloneRuntime(ImplementationAddress)
	d.Factory = factory.New(factory.Config{
		Address:        FactoryAddress,
		Owner:          DeployerAddress,
		Implementation: ImplementationAddress,
		EntryPoint:     entryPoint,
		Caller:         c,
		Now:            c.Now,
		OnDeploy: func(a *account.Account) {
			c.Register(a.Address(), a, cloneCode)
		},
	})
	store := cfg.Store
	if store == nil {
		store = oracle.NewMemoryStore()
	}
	d.Oracle = oracle.New(OracleAddress, d.Reputation, d, store, cfg.Curve)

	c.Register(FactoryAddress, d.Factory, []byte{0x60, 0x80})
	c.Register(USDCAddress, d.USDC, []byte{0x60, 0x80})

	if cfg.PaymasterDeposit != nil && cfg.PaymasterDeposit.Sign() > 0 {
		c.Mint(PaymasterAddress, cfg.PaymasterDeposit)
		if err := c.DepositTo(PaymasterAddress, PaymasterAddress, cfg.PaymasterDeposit); err != nil {
			return nil, fmt.Errorf("funding paymaster: %w", err)
		}
	}
	return d, nil
}

// cloneRuntime is the EIP-1167 runtime code delegating to impl.
func cloneRuntime(impl common.Address) []byte {
	code := common.FromHex("363d3d373d3d3d363d73")
	code = append(code, impl.Bytes()...)
	return append(code, common.FromHex("5af43d82803e903d91602b57fd5bf3")...)
}

// PoolParams describes a pool to deploy.
type PoolParams struct {
	AgentID         *big.Int
	Agent           common.Address
	Owner           common.Address
	Admin           common.Address
	DailyCap        *big.Int
	VestingDuration time.Duration
	MetadataURI     string
}

// PoolAddress is the deterministic pool address for agentID.
func PoolAddress(agentID *big.Int) common.Address {
	h := crypto.Keccak256(DeployerAddress.Bytes(), common.LeftPadBytes(agentID.Bytes(), 32))
	return common.BytesToAddress(h[12:])
}

// CreatePool deploys the capital pool for p.AgentID with the oracle bound.
func (d *Devnet) CreatePool(p PoolParams) (*vault.Pool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := p.AgentID.String()
	if _, ok := d.pools[k]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, k)
	}
	pool := vault.New(vault.Config{
		Address:         PoolAddress(p.AgentID),
		Asset:           d.USDC,
		Name:            "Agent " + k + " Capital",
		Symbol:          "acUSDC-" + k,
		Owner:           p.Owner,
		Admin:           p.Admin,
		Agent:           p.Agent,
		AgentID:         p.AgentID,
		Oracle:          OracleAddress,
		DailyCap:        p.DailyCap,
		VestingDuration: uint64(p.VestingDuration / time.Second),
		MetadataURI:     p.MetadataURI,
		Now:             d.Chain.Now,
	})
	d.pools[k] = pool
	d.Chain.Register(pool.Address(), pool, []byte{0x60, 0x80})
	return pool, nil
}

// Pool returns the pool bound to agentID.
func (d *Devnet) Pool(agentID *big.Int) (*vault.Pool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pools[agentID.String()]
	return p, ok
}

// PoolFor implements oracle.PoolResolver.
func (d *Devnet) PoolFor(agentID *big.Int) (oracle.CapController, bool) {
	p, ok := d.Pool(agentID)
	if !ok {
		return nil, false
	}
	return p, true
}

// Account returns a deployed smart account.
func (d *Devnet) Account(addr common.Address) (*account.Account, bool) {
	return d.Factory.Account(addr)
}
