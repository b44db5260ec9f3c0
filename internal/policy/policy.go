// Package policy holds the spending rules a smart account enforces before it
// lets an operator-signed instruction through: expiry, a rolling 24h spend
// ceiling, and default-deny allow-lists for targets and tokens.
package policy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Window is the length of a daily spend window in seconds.
const Window = 24 * 60 * 60

// Policy is the owner-controlled spending configuration of one account.
type Policy struct {
	DailyLimit            *big.Int `json:"daily_limit"`
	ExpiresAt             uint64   `json:"expires_at"`
	RequiresApprovalAbove *big.Int `json:"requires_approval_above"`
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	return Policy{
		DailyLimit:            cloneInt(p.DailyLimit),
		ExpiresAt:             p.ExpiresAt,
		RequiresApprovalAbove: cloneInt(p.RequiresApprovalAbove),
	}
}

// DailySpend accumulates value moved within the current window.
type DailySpend struct {
	Amount    *big.Int `json:"amount"`
	LastReset uint64   `json:"last_reset"`
}

// Clone returns a deep copy of d.
func (d DailySpend) Clone() DailySpend {
	return DailySpend{Amount: cloneInt(d.Amount), LastReset: d.LastReset}
}

// stale reports whether the window that started at lastReset is over.
func (d *DailySpend) stale(now uint64) bool {
	return now >= d.LastReset && now-d.LastReset >= Window
}

// AddressSet is a default-deny set of addresses.
type AddressSet struct {
	m map[common.Address]struct{}
}

// NewAddressSet returns a set containing addrs.
func NewAddressSet(addrs ...common.Address) *AddressSet {
	s := &AddressSet{m: make(map[common.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		s.m[a] = struct{}{}
	}
	return s
}

// Set adds or removes addr. Repeating the same toggle is a no-op.
func (s *AddressSet) Set(addr common.Address, allowed bool) {
	if s.m == nil {
		s.m = make(map[common.Address]struct{})
	}
	if allowed {
		s.m[addr] = struct{}{}
		return
	}
	delete(s.m, addr)
}

// Contains reports whether addr is in the set. A nil set contains nothing.
func (s *AddressSet) Contains(addr common.Address) bool {
	if s == nil {
		return false
	}
	_, ok := s.m[addr]
	return ok
}

// Clone returns an independent copy of s.
func (s *AddressSet) Clone() *AddressSet {
	out := &AddressSet{m: make(map[common.Address]struct{}, s.Len())}
	if s != nil {
		for a := range s.m {
			out.m[a] = struct{}{}
		}
	}
	return out
}

// Len returns the number of members.
func (s *AddressSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.m)
}

// ValidateTarget fails with TargetNotAllowedError unless target is allowed.
func ValidateTarget(allowed *AddressSet, target common.Address) error {
	if !allowed.Contains(target) {
		return &TargetNotAllowedError{Target: target}
	}
	return nil
}

// ValidateToken fails with TokenNotAllowedError unless token is allowed.
func ValidateToken(allowed *AddressSet, token common.Address) error {
	if !allowed.Contains(token) {
		return &TokenNotAllowedError{Token: token}
	}
	return nil
}

// ValidateExpiry passes while now <= ExpiresAt.
func ValidateExpiry(p Policy, now uint64) error {
	if now > p.ExpiresAt {
		return &PolicyExpiredError{ExpiresAt: p.ExpiresAt, Now: now}
	}
	return nil
}

// Remaining returns how much may still be spent in the window containing now.
// A stale window counts as empty without being mutated.
func Remaining(p Policy, spend DailySpend, now uint64) *big.Int {
	limit := cloneInt(p.DailyLimit)
	spent := cloneInt(spend.Amount)
	if spend.stale(now) {
		spent.SetUint64(0)
	}
	rem := limit.Sub(limit, spent)
	if rem.Sign() < 0 {
		rem.SetUint64(0)
	}
	return rem
}

// ValidateDailyLimit passes iff amount fits in what remains of the window.
func ValidateDailyLimit(p Policy, spend DailySpend, amount *big.Int, now uint64) error {
	rem := Remaining(p, spend, now)
	if cloneInt(amount).Cmp(rem) > 0 {
		return &DailyLimitExceededError{Requested: cloneInt(amount), Remaining: rem}
	}
	return nil
}

// ValidateApproval rejects amounts above a non-zero RequiresApprovalAbove.
func ValidateApproval(p Policy, amount *big.Int) error {
	threshold := p.RequiresApprovalAbove
	if threshold == nil || threshold.Sign() == 0 {
		return nil
	}
	if cloneInt(amount).Cmp(threshold) > 0 {
		return &ApprovalRequiredError{Amount: cloneInt(amount), Threshold: cloneInt(threshold)}
	}
	return nil
}

// ResetDailyIfNeeded zeroes the window once 24h have passed since LastReset.
func ResetDailyIfNeeded(spend *DailySpend, now uint64) {
	if spend.Amount == nil {
		spend.Amount = new(big.Int)
	}
	if !spend.stale(now) {
		return
	}
	spend.Amount.SetUint64(0)
	spend.LastReset = now
}

// RecordSpend resets a stale window, then adds amount.
func RecordSpend(spend *DailySpend, amount *big.Int, now uint64) {
	ResetDailyIfNeeded(spend, now)
	spend.Amount.Add(spend.Amount, cloneInt(amount))
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
