package ledger

import (
	"errors"
	"time"

	"github.com/alecgard/agentvault/internal/instruction"
	"github.com/ethereum/go-ethereum/common"
)

// Classify maps a send result to a ledger outcome.
func Classify(res *instruction.Result, err error) string {
	var (
		rejected *instruction.RejectedError
		timeout  *instruction.TimeoutError
	)
	switch {
	case errors.As(err, &rejected):
		return OutcomeRejected
	case errors.As(err, &timeout):
		return OutcomeTimeout
	case err != nil:
		return OutcomeRelayError
	case res != nil && !res.Success:
		return OutcomeRejected
	default:
		return OutcomeApproved
	}
}

// Entry describes one send for NewRecord.
type Entry struct {
	OperatorID string
	AgentID    string
	Account    common.Address
	Kind       string
	Sponsored  bool
	Started    time.Time
	Result     *instruction.Result
	Err        error
}

// NewRecord builds the ledger row for a finished send.
func NewRecord(e Entry) Record {
	r := Record{
		OperatorID: e.OperatorID,
		AgentID:    e.AgentID,
		Account:    e.Account.Hex(),
		Kind:       e.Kind,
		Timestamp:  e.Started.UTC(),
		Outcome:    Classify(e.Result, e.Err),
		Sponsored:  e.Sponsored,
		GasCost:    "0",
		LatencyMs:  time.Since(e.Started).Milliseconds(),
	}

	var timeout *instruction.TimeoutError
	if errors.As(e.Err, &timeout) {
		r.UserOpHash = timeout.UserOpHash.Hex()
	}
	if e.Err != nil {
		r.Reason = e.Err.Error()
	}
	if res := e.Result; res != nil {
		r.UserOpHash = res.UserOpHash.Hex()
		r.TxHash = res.TransactionHash.Hex()
		if res.Reason != "" {
			r.Reason = res.Reason
		}
		if res.Receipt != nil && res.Receipt.ActualGasCost != nil {
			r.GasCost = res.Receipt.ActualGasCost.ToInt().String()
		}
	}
	return r
}
