package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ConvertToShares prices assets at the current ratio, rounding down.
func (p *Pool) ConvertToShares(assets *big.Int) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toSharesLocked(assets, false)
}

// ConvertToAssets prices shares at the current ratio, rounding down.
func (p *Pool) ConvertToAssets(shares *big.Int) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toAssetsLocked(shares)
}

func (p *Pool) PreviewDeposit(assets *big.Int) *big.Int { return p.ConvertToShares(assets) }
func (p *Pool) PreviewRedeem(shares *big.Int) *big.Int  { return p.ConvertToAssets(shares) }

// PreviewWithdraw returns the shares burned to withdraw assets, rounding up.
func (p *Pool) PreviewWithdraw(assets *big.Int) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toSharesLocked(assets, true)
}

// MaxWithdraw is the asset value of holder's shares.
func (p *Pool) MaxWithdraw(holder common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toAssetsLocked(cloneInt(p.shares[holder]))
}

func (p *Pool) toSharesLocked(assets *big.Int, roundUp bool) *big.Int {
	total := p.asset.BalanceOf(p.address)
	if p.supply.Sign() == 0 || total.Sign() == 0 {
		return cloneInt(assets)
	}
	return mulDiv(assets, p.supply, total, roundUp)
}

func (p *Pool) toAssetsLocked(shares *big.Int) *big.Int {
	if p.supply.Sign() == 0 {
		return cloneInt(shares)
	}
	return mulDiv(shares, p.asset.BalanceOf(p.address), p.supply, false)
}

func mulDiv(x, y, d *big.Int, roundUp bool) *big.Int {
	n := new(big.Int).Mul(x, y)
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if roundUp && r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Deposit moves assets from caller into the pool and mints shares to receiver.
// The receiver's vesting clock restarts.
func (p *Pool) Deposit(caller common.Address, assets *big.Int, receiver common.Address) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allowlistEnabled && !p.allowlist.Contains(caller) {
		return nil, ErrNotAllowlisted
	}
	shares := p.toSharesLocked(assets, false)
	if shares.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	if err := p.asset.TransferFrom(p.address, caller, p.address, assets); err != nil {
		return nil, fmt.Errorf("collecting deposit: %w", err)
	}
	p.supply.Add(p.supply, shares)
	p.shares[receiver] = new(big.Int).Add(cloneInt(p.shares[receiver]), shares)
	p.lastDeposit[receiver] = p.now()
	p.events = append(p.events, Event{Name: "Deposit", Account: receiver, Assets: cloneInt(assets), Shares: cloneInt(shares)})
	return shares, nil
}

// Withdraw burns the shares worth assets from holder and sends assets to receiver.
func (p *Pool) Withdraw(caller common.Address, assets *big.Int, receiver, holder common.Address) (*big.Int, error) {
	if assets == nil || assets.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	shares := p.toSharesLocked(assets, true)
	if err := p.exitLocked(caller, receiver, holder, assets, shares); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns shares from holder and sends their asset value to receiver.
func (p *Pool) Redeem(caller common.Address, shares *big.Int, receiver, holder common.Address) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	assets := p.toAssetsLocked(shares)
	if err := p.exitLocked(caller, receiver, holder, assets, shares); err != nil {
		return nil, err
	}
	return assets, nil
}

func (p *Pool) exitLocked(caller, receiver, holder common.Address, assets, shares *big.Int) error {
	if caller != holder {
		return ErrNotShareOwner
	}
	now := p.now()
	if until := p.lastDeposit[holder] + p.vesting; now < until {
		return &LockedError{Until: until, Now: now}
	}
	have := cloneInt(p.shares[holder])
	if have.Cmp(shares) < 0 {
		return &InsufficientSharesError{Have: have, Need: cloneInt(shares)}
	}
	if err := p.asset.Transfer(p.address, receiver, assets); err != nil {
		return fmt.Errorf("paying out: %w", err)
	}
	p.shares[holder] = have.Sub(have, shares)
	p.supply.Sub(p.supply, shares)
	p.events = append(p.events, Event{Name: "Withdraw", Account: holder, Assets: cloneInt(assets), Shares: cloneInt(shares)})
	return nil
}
