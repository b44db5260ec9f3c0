// Package factory deploys agent smart accounts as minimal-proxy clones at
// CREATE2 addresses derived from (owner, agentId), and keeps the registry of
// contracts and tokens trusted by every account it creates.
package factory

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/account"
	"github.com/alecgard/agentvault/internal/policy"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrAccountExists = errors.New("account already deployed for owner and agent id")
	ErrNotOwner      = errors.New("only factory owner")
	ErrBadExpiry     = errors.New("expiresAt does not fit in uint64")
)

// EIP-1167 minimal proxy creation code around the implementation address.
var (
	clonePrefix = common.FromHex("3d602d80600a3d3981f3363d3d373d3d3d363d73")
	cloneSuffix = common.FromHex("5af43d82803e903d91602b57fd5bf3")
)

// Config wires a factory into its network.
type Config struct {
	Address        common.Address
	Owner          common.Address
	Implementation common.Address
	EntryPoint     common.Address
	Caller         account.Caller
	Now            func() uint64
	// OnDeploy is called with every new account, under no lock.
	OnDeploy func(*account.Account)
}

// Factory creates one account per (owner, agentId).
type Factory struct {
	cfg Config

	mu        sync.RWMutex
	accounts  map[common.Address]*account.Account
	contracts *policy.AddressSet
	tokens    *policy.AddressSet
}

// New returns an empty factory.
func New(cfg Config) *Factory {
	return &Factory{
		cfg:       cfg,
		accounts:  make(map[common.Address]*account.Account),
		contracts: policy.NewAddressSet(),
		tokens:    policy.NewAddressSet(),
	}
}

func (f *Factory) Address() common.Address { return f.cfg.Address }
func (f *Factory) Owner() common.Address   { return f.cfg.Owner }

// Salt is keccak256(abi.encode(owner, agentId)).
func Salt(owner common.Address, agentID *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(owner.Bytes(), 32),
		common.LeftPadBytes(agentID.Bytes(), 32),
	)
}

// CloneInitCodeHash is the keccak of the proxy creation code for impl.
func CloneInitCodeHash(impl common.Address) common.Hash {
	code := make([]byte, 0, len(clonePrefix)+common.AddressLength+len(cloneSuffix))
	code = append(code, clonePrefix...)
	code = append(code, impl.Bytes()...)
	code = append(code, cloneSuffix...)
	return crypto.Keccak256Hash(code)
}

// PredictAddress computes the CREATE2 address of the clone for (owner, agentId).
func PredictAddress(factory, impl, owner common.Address, agentID *big.Int) common.Address {
	salt := Salt(owner, agentID)
	return crypto.CreateAddress2(factory, salt, CloneInitCodeHash(impl).Bytes())
}

// GetAddress predicts the account address. It depends only on owner and agentID.
func (f *Factory) GetAddress(owner common.Address, agentID *big.Int) common.Address {
	return PredictAddress(f.cfg.Address, f.cfg.Implementation, owner, agentID)
}

// Account returns a deployed account.
func (f *Factory) Account(addr common.Address) (*account.Account, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.accounts[addr]
	return a, ok
}

// CreateAccount deploys and initializes the account for (p.Owner, p.AgentID).
func (f *Factory) CreateAccount(p account.Params) (*account.Account, error) {
	if p.AgentID == nil || p.DailyLimit == nil {
		return nil, errors.New("agent id and daily limit are required")
	}
	addr := f.GetAddress(p.Owner, p.AgentID)

	f.mu.Lock()
	if _, ok := f.accounts[addr]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, addr.Hex())
	}
	acct := account.New(addr, f.cfg.EntryPoint, f.cfg.Caller, f, f.cfg.Now)
	if err := acct.Initialize(p); err != nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("initializing account: %w", err)
	}
	f.accounts[addr] = acct
	f.mu.Unlock()

	if f.cfg.OnDeploy != nil {
		f.cfg.OnDeploy(acct)
	}
	return acct, nil
}

// SetTrustedContract toggles target for every account of this factory.
func (f *Factory) SetTrustedContract(caller, target common.Address, trusted bool) error {
	if caller != f.cfg.Owner {
		return ErrNotOwner
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contracts.Set(target, trusted)
	return nil
}

// SetTrustedToken toggles token for every account of this factory.
func (f *Factory) SetTrustedToken(caller, token common.Address, trusted bool) error {
	if caller != f.cfg.Owner {
		return ErrNotOwner
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens.Set(token, trusted)
	return nil
}

func (f *Factory) IsTrustedContract(addr common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.contracts.Contains(addr)
}

func (f *Factory) IsTrustedToken(addr common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tokens.Contains(addr)
}

// Call dispatches ABI-encoded calldata from caller.
func (f *Factory) Call(caller common.Address, _ *big.Int, data []byte) ([]byte, error) {
	m, args, err := abis.Decode(abis.Factory, data)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "createAccount":
		expiresAt := args[5].(*big.Int)
		if !expiresAt.IsUint64() {
			return nil, fmt.Errorf("%w: %s", ErrBadExpiry, expiresAt)
		}
		acct, err := f.CreateAccount(account.Params{
			Owner:      args[0].(common.Address),
			Admin:      args[1].(common.Address),
			Operator:   args[2].(common.Address),
			AgentID:    args[3].(*big.Int),
			DailyLimit: args[4].(*big.Int),
			ExpiresAt:  expiresAt.Uint64(),
		})
		if err != nil {
			return nil, err
		}
		return m.Outputs.Pack(acct.Address())
	case "getAddress":
		return m.Outputs.Pack(f.GetAddress(args[0].(common.Address), args[1].(*big.Int)))
	case "setTrustedContract":
		return nil, f.SetTrustedContract(caller, args[0].(common.Address), args[1].(bool))
	case "setTrustedToken":
		return nil, f.SetTrustedToken(caller, args[0].(common.Address), args[1].(bool))
	case "isTrustedContract":
		return m.Outputs.Pack(f.IsTrustedContract(args[0].(common.Address)))
	case "isTrustedToken":
		return m.Outputs.Pack(f.IsTrustedToken(args[0].(common.Address)))
	default:
		return nil, fmt.Errorf("factory: unsupported method %s", m.Name)
	}
}

// Snapshot captures the account table and trust registries. Calling the
// returned function puts them back.
func (f *Factory) Snapshot() func() {
	f.mu.RLock()
	accounts := make(map[common.Address]*account.Account, len(f.accounts))
	for addr, a := range f.accounts {
		accounts[addr] = a
	}
	contracts, tokens := f.contracts.Clone(), f.tokens.Clone()
	f.mu.RUnlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.accounts = accounts
		f.contracts = contracts
		f.tokens = tokens
	}
}
