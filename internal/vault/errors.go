package vault

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrAgentRevoked   = errors.New("agent revoked")
	ErrNotAgent       = errors.New("caller is not the pool agent")
	ErrNotOwner       = errors.New("caller is not the pool owner")
	ErrNotAuthorized  = errors.New("caller may not set the daily cap")
	ErrNotAllowlisted = errors.New("depositor not allowlisted")
	ErrZeroAmount     = errors.New("zero amount")
	ErrNotShareOwner  = errors.New("caller does not own the shares")
)

// LockedError is returned for withdrawals before the vesting period ends.
type LockedError struct {
	Until uint64
	Now   uint64
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("deposit locked until %d (now %d)", e.Until, e.Now)
}

// CapExceededError is returned when a pull is larger than today's remaining cap.
type CapExceededError struct {
	Requested *big.Int
	Remaining *big.Int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("daily cap exceeded: requested %s, remaining %s", e.Requested, e.Remaining)
}

// InsufficientSharesError is returned when burning more shares than owned.
type InsufficientSharesError struct {
	Have *big.Int
	Need *big.Int
}

func (e *InsufficientSharesError) Error() string {
	return fmt.Sprintf("insufficient shares: have %s, need %s", e.Have, e.Need)
}
