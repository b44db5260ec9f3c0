// Package token is a fungible-token ledger with the standard
// balanceOf/approve/allowance/transfer surface.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrZeroAddress is returned for transfers to or from the zero address.
var ErrZeroAddress = errors.New("zero address")

// InsufficientBalanceError is returned when a holder cannot cover a transfer.
type InsufficientBalanceError struct {
	Holder  common.Address
	Balance *big.Int
	Needed  *big.Int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: have %s, need %s", e.Holder.Hex(), e.Balance, e.Needed)
}

// InsufficientAllowanceError is returned when a spender exceeds its allowance.
type InsufficientAllowanceError struct {
	Owner     common.Address
	Spender   common.Address
	Allowance *big.Int
	Needed    *big.Int
}

func (e *InsufficientAllowanceError) Error() string {
	return fmt.Sprintf("insufficient allowance %s -> %s: have %s, need %s",
		e.Owner.Hex(), e.Spender.Hex(), e.Allowance, e.Needed)
}

// Token is a fungible-token ledger. Methods that mutate take the caller
// address explicitly, the way a contract sees msg.sender.
type Token struct {
	mu         sync.RWMutex
	address    common.Address
	name       string
	symbol     string
	decimals   uint8
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// New creates an empty token at address.
func New(address common.Address, name, symbol string, decimals uint8) *Token {
	return &Token{
		address:    address,
		name:       name,
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *Token) Address() common.Address { return t.address }
func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return t.decimals }

// TotalSupply returns the minted supply.
func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.supply)
}

// BalanceOf returns holder's balance.
func (t *Token) BalanceOf(holder common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceLocked(holder)
}

// Allowance returns how much spender may move on owner's behalf.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return new(big.Int)
}

// Mint credits amount to to.
func (t *Token) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.supply.Add(t.supply, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

// Approve sets spender's allowance over caller's balance.
func (t *Token) Approve(caller, spender common.Address, amount *big.Int) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.allowances[caller]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.allowances[caller] = m
	}
	m[spender] = new(big.Int).Set(amount)
	return nil
}

// Transfer moves amount from caller to to.
func (t *Token) Transfer(caller, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(caller, to, amount)
}

// TransferFrom moves amount from from to to using caller's allowance.
func (t *Token) TransferFrom(caller, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := new(big.Int)
	if m, ok := t.allowances[from]; ok && m[caller] != nil {
		allowance.Set(m[caller])
	}
	if allowance.Cmp(amount) < 0 {
		return &InsufficientAllowanceError{Owner: from, Spender: caller, Allowance: allowance, Needed: new(big.Int).Set(amount)}
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	t.allowances[from][caller] = allowance.Sub(allowance, amount)
	return nil
}

func (t *Token) moveLocked(from, to common.Address, amount *big.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := t.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return &InsufficientBalanceError{Holder: from, Balance: bal, Needed: new(big.Int).Set(amount)}
	}
	t.balances[from] = bal.Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *Token) balanceLocked(holder common.Address) *big.Int {
	if b, ok := t.balances[holder]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Snapshot captures balances, allowances and supply. Calling the returned
// function puts them back.
func (t *Token) Snapshot() func() {
	t.mu.RLock()
	supply := new(big.Int).Set(t.supply)
	balances := cloneBalances(t.balances)
	allowances := make(map[common.Address]map[common.Address]*big.Int, len(t.allowances))
	for owner, m := range t.allowances {
		allowances[owner] = cloneBalances(m)
	}
	t.mu.RUnlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.supply = supply
		t.balances = balances
		t.allowances = allowances
	}
}

func cloneBalances(m map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(m))
	for a, v := range m {
		out[a] = new(big.Int).Set(v)
	}
	return out
}
