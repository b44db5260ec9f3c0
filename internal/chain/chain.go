// Package chain is an in-process network: native balances, a contract table
// routed by address, an ERC-4337 entry point and a block clock. It backs the
// devnet relay and the end-to-end tests.
package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alecgard/agentvault/internal/policy"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunds = errors.New("insufficient native balance")
	ErrNoContract        = errors.New("no contract at address")
)

// Contract is anything that accepts calls from another address.
type Contract interface {
	Call(caller common.Address, value *big.Int, data []byte) ([]byte, error)
}

// Journaled is a contract whose storage can be rolled back. Snapshot
// returns a function that restores the storage as it was.
type Journaled interface {
	Snapshot() (restore func())
}

// Account is a smart account the entry point can validate against.
type Account interface {
	Contract
	Address() common.Address
	Validate(callData, signature []byte, userOpHash common.Hash) policy.Outcome
}

// Config sets the network parameters.
type Config struct {
	ChainID     *big.Int
	EntryPoint  common.Address
	Version     userop.Version
	BaseFee     *big.Int
	PriorityFee *big.Int
	Clock       func() time.Time
}

// Chain is the network state. State-changing entry points are serialized by
// exec; mu guards the tables and is never held across a contract call.
type Chain struct {
	cfg   Config
	codec userop.Codec

	exec sync.Mutex

	mu        sync.RWMutex
	offset    uint64
	block     uint64
	balances  map[common.Address]*big.Int
	txNonces  map[common.Address]uint64
	contracts map[common.Address]Contract
	code      map[common.Address][]byte
	accounts  map[common.Address]Account
	opNonces  map[common.Address]map[string]uint64
	deposits  map[common.Address]*big.Int
	receipts  map[common.Hash]*userop.Receipt
	txs       map[common.Hash]*TxRecord
}

// New creates an empty network with its entry point deployed.
func New(cfg Config) (*Chain, error) {
	codec, err := userop.CodecFor(cfg.Version)
	if err != nil {
		return nil, err
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.BaseFee == nil {
		cfg.BaseFee = big.NewInt(1_000_000_000)
	}
	if cfg.PriorityFee == nil {
		cfg.PriorityFee = big.NewInt(100_000_000)
	}
	c := &Chain{
		cfg:       cfg,
		codec:     codec,
		balances:  make(map[common.Address]*big.Int),
		txNonces:  make(map[common.Address]uint64),
		contracts: make(map[common.Address]Contract),
		code:      make(map[common.Address][]byte),
		accounts:  make(map[common.Address]Account),
		opNonces:  make(map[common.Address]map[string]uint64),
		deposits:  make(map[common.Address]*big.Int),
		receipts:  make(map[common.Hash]*userop.Receipt),
		txs:       make(map[common.Hash]*TxRecord),
	}
	c.Register(cfg.EntryPoint, &entryPoint{chain: c}, []byte{0xef})
	return c, nil
}

func (c *Chain) ChainID() *big.Int          { return new(big.Int).Set(c.cfg.ChainID) }
func (c *Chain) EntryPoint() common.Address { return c.cfg.EntryPoint }
func (c *Chain) Codec() userop.Codec        { return c.codec }
func (c *Chain) Version() userop.Version    { return c.codec.Version() }
func (c *Chain) PriorityFee() *big.Int      { return new(big.Int).Set(c.cfg.PriorityFee) }
func (c *Chain) BaseFee() *big.Int          { return new(big.Int).Set(c.cfg.BaseFee) }
func (c *Chain) GasPrice() *big.Int         { return new(big.Int).Add(c.cfg.BaseFee, c.cfg.PriorityFee) }
func (c *Chain) UserOpHash(op *userop.UserOperation) common.Hash {
	return c.codec.Hash(op, c.cfg.EntryPoint, c.cfg.ChainID)
}

// Now is the current block timestamp in seconds.
func (c *Chain) Now() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(c.cfg.Clock().Unix()) + c.offset
}

// Advance moves the clock forward.
func (c *Chain) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += uint64(d / time.Second)
}

// BlockNumber is the number of the last sealed block.
func (c *Chain) BlockNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.block
}

func (c *Chain) sealBlock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block++
	return c.block
}

// Register deploys contract at addr with the given runtime code marker.
func (c *Chain) Register(addr common.Address, contract Contract, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[addr] = contract
	c.code[addr] = common.CopyBytes(code)
	if acct, ok := contract.(Account); ok {
		c.accounts[addr] = acct
	}
}

// Contract returns the contract at addr.
func (c *Chain) Contract(addr common.Address) (Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ct, ok := c.contracts[addr]
	return ct, ok
}

// Account returns the smart account at addr.
func (c *Chain) Account(addr common.Address) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[addr]
	return a, ok
}

// CodeAt returns the runtime code marker at addr, empty for plain addresses.
func (c *Chain) CodeAt(addr common.Address) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return common.CopyBytes(c.code[addr])
}

// BalanceOf returns addr's native balance.
func (c *Chain) BalanceOf(addr common.Address) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneInt(c.balances[addr])
}

// Mint credits native balance out of thin air. Devnet faucet only.
func (c *Chain) Mint(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Add(cloneInt(c.balances[addr]), amount)
}

func (c *Chain) transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := cloneInt(c.balances[from])
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), bal, amount)
	}
	c.balances[from] = bal.Sub(bal, amount)
	c.balances[to] = new(big.Int).Add(cloneInt(c.balances[to]), amount)
	return nil
}

// Call moves value from from to to and, if to is a contract, delivers data.
// The value transfer is undone if the contract call fails.
func (c *Chain) Call(from, to common.Address, value *big.Int, data []byte) ([]byte, error) {
	if err := c.transfer(from, to, value); err != nil {
		return nil, err
	}
	ct, ok := c.Contract(to)
	if !ok {
		if len(data) > 0 {
			c.undo(from, to, value)
			return nil, fmt.Errorf("%w: %s", ErrNoContract, to.Hex())
		}
		return nil, nil
	}
	out, err := ct.Call(from, value, data)
	if err != nil {
		c.undo(from, to, value)
		return nil, err
	}
	return out, nil
}

// View runs a read-only call as from.
func (c *Chain) View(from, to common.Address, data []byte) ([]byte, error) {
	ct, ok := c.Contract(to)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoContract, to.Hex())
	}
	return ct.Call(from, nil, data)
}

// snapshot captures native balances, deposits, the contract table and the
// storage of every journaled contract. Must be called with exec held.
func (c *Chain) snapshot() (restore func()) {
	c.mu.RLock()
	balances := cloneAmounts(c.balances)
	deposits := cloneAmounts(c.deposits)
	contracts := make(map[common.Address]Contract, len(c.contracts))
	code := make(map[common.Address][]byte, len(c.code))
	accounts := make(map[common.Address]Account, len(c.accounts))
	for a, ct := range c.contracts {
		contracts[a] = ct
	}
	for a, b := range c.code {
		code[a] = b
	}
	for a, acct := range c.accounts {
		accounts[a] = acct
	}
	c.mu.RUnlock()

	var restores []func()
	for _, ct := range contracts {
		if j, ok := ct.(Journaled); ok {
			restores = append(restores, j.Snapshot())
		}
	}
	return func() {
		for _, r := range restores {
			r()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.balances = balances
		c.deposits = deposits
		c.contracts = contracts
		c.code = code
		c.accounts = accounts
	}
}

// callAtomic is Call with every state change rolled back on failure.
// Must be called with exec held.
func (c *Chain) callAtomic(from, to common.Address, value *big.Int, data []byte) ([]byte, error) {
	restore := c.snapshot()
	out, err := c.Call(from, to, value, data)
	if err != nil {
		restore()
		return nil, err
	}
	return out, nil
}

func cloneAmounts(m map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(m))
	for a, v := range m {
		out[a] = cloneInt(v)
	}
	return out
}

func (c *Chain) undo(from, to common.Address, value *big.Int) {
	if value == nil || value.Sign() == 0 {
		return
	}
	// Cannot fail: to just received value.
	_ = c.transfer(to, from, value)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
