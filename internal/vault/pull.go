package vault

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Pull sends assets to to on behalf of the bound agent, within today's cap.
func (p *Pool) Pull(caller, to common.Address, assets *big.Int) error {
	if caller != p.agent {
		return ErrNotAgent
	}
	if assets == nil || assets.Sign() <= 0 {
		return ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.agentRevoked {
		return ErrAgentRevoked
	}

	now := p.now()
	if day := p.dayAt(now); day != p.currentDay {
		p.currentDay = day
		p.spentToday = new(big.Int)
	}
	if rem := p.remainingLocked(now); assets.Cmp(rem) > 0 {
		return &CapExceededError{Requested: cloneInt(assets), Remaining: rem}
	}
	if err := p.asset.Transfer(p.address, to, assets); err != nil {
		return fmt.Errorf("sending pulled capital: %w", err)
	}
	p.spentToday.Add(p.spentToday, assets)
	p.events = append(p.events, Event{Name: "Pull", Account: to, Assets: cloneInt(assets)})
	return nil
}

// RevokeAgent permanently disables pulls.
func (p *Pool) RevokeAgent(caller common.Address) error {
	if caller != p.owner && caller != p.admin {
		return ErrNotOwner
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agentRevoked = true
	p.events = append(p.events, Event{Name: "AgentRevoked", Account: p.agent})
	return nil
}

// SetDailyCap is restricted to the owner and the registered oracle.
func (p *Pool) SetDailyCap(caller common.Address, newCap *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.owner && (p.oracle == (common.Address{}) || caller != p.oracle) {
		return ErrNotAuthorized
	}
	p.dailyCap = cloneInt(newCap)
	p.events = append(p.events, Event{Name: "DailyCapSet", Account: caller, Assets: cloneInt(newCap)})
	return nil
}

// SetOracle registers the score oracle allowed to move the cap.
func (p *Pool) SetOracle(caller, oracle common.Address) error {
	if caller != p.owner {
		return ErrNotOwner
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oracle = oracle
	return nil
}

func (p *Pool) SetMetadataURI(caller common.Address, uri string) error {
	if caller != p.owner {
		return ErrNotOwner
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metadataURI = uri
	return nil
}

func (p *Pool) SetAllowlistEnabled(caller common.Address, enabled bool) error {
	if caller != p.owner {
		return ErrNotOwner
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowlistEnabled = enabled
	return nil
}

func (p *Pool) SetAllowlisted(caller, depositor common.Address, allowed bool) error {
	if caller != p.owner {
		return ErrNotOwner
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowlist.Set(depositor, allowed)
	return nil
}
