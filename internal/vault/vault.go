// Package vault is the agent's capital pool: investors deposit the asset for
// shares, the bound agent pulls working capital under a daily cap, and the
// owner can revoke the agent for good.
package vault

import (
	"math/big"
	"sync"

	"github.com/alecgard/agentvault/internal/policy"
	"github.com/ethereum/go-ethereum/common"
)

// DaySeconds is the length of one pull-cap day.
const DaySeconds = 86400

// Asset is the fungible token the pool holds.
type Asset interface {
	Address() common.Address
	BalanceOf(holder common.Address) *big.Int
	Transfer(caller, to common.Address, amount *big.Int) error
	TransferFrom(caller, from, to common.Address, amount *big.Int) error
}

// Config describes a pool at deployment.
type Config struct {
	Address         common.Address
	Asset           Asset
	Name            string
	Symbol          string
	Owner           common.Address
	Admin           common.Address
	Agent           common.Address
	AgentID         *big.Int
	Oracle          common.Address
	DailyCap        *big.Int
	VestingDuration uint64
	MetadataURI     string
	Now             func() uint64
}

// Event is an entry in the pool's log.
type Event struct {
	Name    string         `json:"name"`
	Account common.Address `json:"account"`
	Assets  *big.Int       `json:"assets,omitempty"`
	Shares  *big.Int       `json:"shares,omitempty"`
}

// Pool is one agent's capital vault.
type Pool struct {
	address common.Address
	asset   Asset
	name    string
	symbol  string
	owner   common.Address
	admin   common.Address
	agent   common.Address
	agentID *big.Int
	vesting uint64
	epoch   uint64
	now     func() uint64

	mu               sync.Mutex
	oracle           common.Address
	dailyCap         *big.Int
	spentToday       *big.Int
	currentDay       uint64
	agentRevoked     bool
	metadataURI      string
	allowlistEnabled bool
	allowlist        *policy.AddressSet
	supply           *big.Int
	shares           map[common.Address]*big.Int
	lastDeposit      map[common.Address]uint64
	events           []Event
}

// New deploys a pool. The day counter starts at zero now.
func New(cfg Config) *Pool {
	epoch := cfg.Now()
	return &Pool{
		address:     cfg.Address,
		asset:       cfg.Asset,
		name:        cfg.Name,
		symbol:      cfg.Symbol,
		owner:       cfg.Owner,
		admin:       cfg.Admin,
		agent:       cfg.Agent,
		agentID:     cloneInt(cfg.AgentID),
		vesting:     cfg.VestingDuration,
		epoch:       epoch,
		now:         cfg.Now,
		oracle:      cfg.Oracle,
		dailyCap:    cloneInt(cfg.DailyCap),
		spentToday:  new(big.Int),
		metadataURI: cfg.MetadataURI,
		allowlist:   policy.NewAddressSet(),
		supply:      new(big.Int),
		shares:      make(map[common.Address]*big.Int),
		lastDeposit: make(map[common.Address]uint64),
	}
}

func (p *Pool) Address() common.Address { return p.address }
func (p *Pool) Asset() common.Address   { return p.asset.Address() }
func (p *Pool) Name() string            { return p.name }
func (p *Pool) Symbol() string          { return p.symbol }
func (p *Pool) Owner() common.Address   { return p.owner }
func (p *Pool) Agent() common.Address   { return p.agent }
func (p *Pool) AgentID() *big.Int       { return cloneInt(p.agentID) }
func (p *Pool) VestingDuration() uint64 { return p.vesting }

// TotalAssets is the pool's asset balance, including yield sent to it directly.
func (p *Pool) TotalAssets() *big.Int { return p.asset.BalanceOf(p.address) }

func (p *Pool) TotalSupply() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneInt(p.supply)
}

func (p *Pool) BalanceOf(holder common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneInt(p.shares[holder])
}

func (p *Pool) Oracle() common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oracle
}

func (p *Pool) DailyCap() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneInt(p.dailyCap)
}

func (p *Pool) AgentRevoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentRevoked
}

func (p *Pool) MetadataURI() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metadataURI
}

func (p *Pool) AllowlistEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowlistEnabled
}

// CurrentDay is the number of whole days since deployment.
func (p *Pool) CurrentDay() uint64 {
	return p.dayAt(p.now())
}

func (p *Pool) dayAt(now uint64) uint64 {
	if now < p.epoch {
		return 0
	}
	return (now - p.epoch) / DaySeconds
}

// SpentToday returns what the agent has pulled in the current day.
func (p *Pool) SpentToday() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dayAt(p.now()) != p.currentDay {
		return new(big.Int)
	}
	return cloneInt(p.spentToday)
}

// RemainingCapToday returns how much the agent may still pull today.
func (p *Pool) RemainingCapToday() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingLocked(p.now())
}

func (p *Pool) remainingLocked(now uint64) *big.Int {
	spent := p.spentToday
	if p.dayAt(now) != p.currentDay {
		spent = new(big.Int)
	}
	rem := new(big.Int).Sub(p.dailyCap, spent)
	if rem.Sign() < 0 {
		rem.SetUint64(0)
	}
	return rem
}

// UnlockTime is when holder's most recent deposit vests.
func (p *Pool) UnlockTime(holder common.Address) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDeposit[holder] + p.vesting
}

// Events returns a copy of the pool log.
func (p *Pool) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Snapshot captures the pool's mutable storage. Calling the returned
// function puts it back. Asset balances belong to the asset's own snapshot.
func (p *Pool) Snapshot() func() {
	p.mu.Lock()
	saved := struct {
		oracle           common.Address
		dailyCap         *big.Int
		spentToday       *big.Int
		currentDay       uint64
		agentRevoked     bool
		metadataURI      string
		allowlistEnabled bool
		allowlist        *policy.AddressSet
		supply           *big.Int
		shares           map[common.Address]*big.Int
		lastDeposit      map[common.Address]uint64
		events           []Event
	}{
		oracle:           p.oracle,
		dailyCap:         cloneInt(p.dailyCap),
		spentToday:       cloneInt(p.spentToday),
		currentDay:       p.currentDay,
		agentRevoked:     p.agentRevoked,
		metadataURI:      p.metadataURI,
		allowlistEnabled: p.allowlistEnabled,
		allowlist:        p.allowlist.Clone(),
		supply:           cloneInt(p.supply),
		shares:           make(map[common.Address]*big.Int, len(p.shares)),
		lastDeposit:      make(map[common.Address]uint64, len(p.lastDeposit)),
		events:           append([]Event(nil), p.events...),
	}
	for a, v := range p.shares {
		saved.shares[a] = cloneInt(v)
	}
	for a, v := range p.lastDeposit {
		saved.lastDeposit[a] = v
	}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.oracle = saved.oracle
		p.dailyCap = saved.dailyCap
		p.spentToday = saved.spentToday
		p.currentDay = saved.currentDay
		p.agentRevoked = saved.agentRevoked
		p.metadataURI = saved.metadataURI
		p.allowlistEnabled = saved.allowlistEnabled
		p.allowlist = saved.allowlist
		p.supply = saved.supply
		p.shares = saved.shares
		p.lastDeposit = saved.lastDeposit
		p.events = saved.events
	}
}
