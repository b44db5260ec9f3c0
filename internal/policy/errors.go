package policy

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TargetNotAllowedError is returned for a call target outside the allow-list.
type TargetNotAllowedError struct {
	Target common.Address
}

func (e *TargetNotAllowedError) Error() string {
	return fmt.Sprintf("target not allowed: %s", e.Target.Hex())
}

// TokenNotAllowedError is returned for a token outside the allow-list.
type TokenNotAllowedError struct {
	Token common.Address
}

func (e *TokenNotAllowedError) Error() string {
	return fmt.Sprintf("token not allowed: %s", e.Token.Hex())
}

// PolicyExpiredError is returned once the policy's expiry has passed.
type PolicyExpiredError struct {
	ExpiresAt uint64
	Now       uint64
}

func (e *PolicyExpiredError) Error() string {
	return fmt.Sprintf("policy expired at %d (now %d)", e.ExpiresAt, e.Now)
}

// DailyLimitExceededError carries the requested amount and what was left.
type DailyLimitExceededError struct {
	Requested *big.Int
	Remaining *big.Int
}

func (e *DailyLimitExceededError) Error() string {
	return fmt.Sprintf("daily limit exceeded: requested %s, remaining %s", e.Requested, e.Remaining)
}

// ApprovalRequiredError is returned when a spend needs out-of-band approval.
type ApprovalRequiredError struct {
	Amount    *big.Int
	Threshold *big.Int
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("approval required: amount %s above %s", e.Amount, e.Threshold)
}
