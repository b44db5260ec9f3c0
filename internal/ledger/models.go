package ledger

import "time"

// Record kinds.
const (
	KindInstruction = "instruction"
	KindPayment     = "payment"
	KindPull        = "pull"
)

// Record outcomes, matching the instruction client's error classes.
const (
	OutcomeApproved   = "approved"
	OutcomeRejected   = "rejected"
	OutcomeTimeout    = "timeout"
	OutcomeRelayError = "relay_error"
)

// Record is one instruction sent on behalf of an operator.
type Record struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	AgentID    string    `json:"agent_id"`
	Account    string    `json:"account"`
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
	UserOpHash string    `json:"user_op_hash"`
	TxHash     string    `json:"tx_hash"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason"`
	Sponsored  bool      `json:"sponsored"`
	GasCost    string    `json:"gas_cost"`
	LatencyMs  int64     `json:"latency_ms"`
}

// Summary holds aggregate counts for a set of records.
type Summary struct {
	Total        int64   `json:"total"`
	Approved     int64   `json:"approved"`
	Rejected     int64   `json:"rejected"`
	TimedOut     int64   `json:"timed_out"`
	RelayErrors  int64   `json:"relay_errors"`
	Sponsored    int64   `json:"sponsored"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Query defines filters and pagination for listing records.
type Query struct {
	OperatorID string    `json:"operator_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Cursor     string    `json:"cursor,omitempty"`
	Limit      int       `json:"limit"`
}
