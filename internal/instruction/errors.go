package instruction

import (
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/agentvault/internal/relay"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoCalls      = errors.New("instruction has no calls")
	ErrNoKey        = errors.New("operator key is required")
	ErrHashMismatch = errors.New("relay returned a different user operation hash")
)

// RelayError is a transport or JSON-RPC failure talking to the relay.
type RelayError struct {
	Method  string
	Code    int
	Message string
	Err     error
}

func (e *RelayError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("relay %s failed (%d): %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("relay %s failed: %s", e.Method, e.Message)
}

func (e *RelayError) Unwrap() error { return e.Err }

// RejectedError means the instruction was included but did not succeed:
// the account rejected it during validation or a forwarded call reverted.
type RejectedError struct {
	UserOpHash common.Hash
	TxHash     common.Hash
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("instruction %s rejected on chain: %s", e.UserOpHash.Hex(), e.Reason)
}

// TimeoutError means no receipt appeared within the polling window. The
// instruction may still be included later; its nonce must not be reused.
type TimeoutError struct {
	UserOpHash common.Hash
	Waited     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no receipt for instruction %s after %s", e.UserOpHash.Hex(), e.Waited)
}

func wrapRelay(method string, err error) error {
	var rpcErr *relay.Error
	if errors.As(err, &rpcErr) {
		return &RelayError{Method: method, Code: rpcErr.Code, Message: rpcErr.Message, Err: err}
	}
	return &RelayError{Method: method, Message: err.Error(), Err: err}
}
