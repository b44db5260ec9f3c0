package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/crypto"
	"github.com/alecgard/agentvault/internal/instruction"
	"github.com/alecgard/agentvault/internal/ledger"
	"github.com/ethereum/go-ethereum/common"
)

var ErrBadPolicy = errors.New("operator has no valid account policy")

// Sender submits signed instructions and waits for their receipts.
type Sender interface {
	Send(ctx context.Context, req instruction.Request) (*instruction.Result, error)
	Sponsored() bool
}

// Recorder receives one ledger row per send.
type Recorder interface {
	Record(rec ledger.Record)
}

// Funder keeps self-paid accounts above a minimum native balance.
type Funder interface {
	TopUp(ctx context.Context, addr common.Address, min *big.Int) (common.Hash, error)
}

// ExecutorConfig holds the chain-side settings shared by every operator.
type ExecutorConfig struct {
	Factory common.Address
	// MinBalance is the top-up threshold for self-paid accounts.
	MinBalance *big.Int
}

// Executor sends instructions on behalf of registered operators.
type Executor struct {
	sender  Sender
	cipher  *crypto.Cipher
	records Recorder
	funder  Funder
	cfg     ExecutorConfig
}

// NewExecutor creates an executor. records may be nil.
func NewExecutor(sender Sender, cipher *crypto.Cipher, records Recorder, cfg ExecutorConfig) *Executor {
	return &Executor{sender: sender, cipher: cipher, records: records, cfg: cfg}
}

// SetFunder enables balance top-ups before self-paid sends.
func (e *Executor) SetFunder(f Funder) {
	e.funder = f
}

// Deployment returns the factory call that deploys the operator's account
// with its registered policy.
func (e *Executor) Deployment(o *Operator) (*instruction.Deployment, error) {
	agentID, ok := new(big.Int).SetString(o.AgentID, 10)
	if !ok {
		return nil, fmt.Errorf("operator %s: bad agent id %q", o.ID, o.AgentID)
	}
	limit, ok := new(big.Int).SetString(o.DailyLimit, 10)
	if !ok || limit.Sign() <= 0 || o.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("operator %s: %w", o.ID, ErrBadPolicy)
	}
	owner := common.HexToAddress(o.Owner)
	return instruction.CreateAccount(e.cfg.Factory, owner, owner, common.HexToAddress(o.Signer),
		agentID, limit, uint64(o.ExpiresAt.Unix()))
}

// Execute signs calls with the operator's key and sends them from its
// account. The outcome is recorded in the ledger whether or not it succeeds.
func (e *Executor) Execute(ctx context.Context, o *Operator, kind string, calls []abis.Call, proofs [][]common.Hash) (*instruction.Result, error) {
	key, err := SigningKey(e.cipher, o)
	if err != nil {
		return nil, err
	}
	deploy, err := e.Deployment(o)
	if err != nil {
		return nil, err
	}
	account := common.HexToAddress(o.Account)
	sponsored := e.sender.Sponsored()

	if !sponsored && e.funder != nil && e.cfg.MinBalance != nil {
		if _, err := e.funder.TopUp(ctx, account, e.cfg.MinBalance); err != nil {
			slog.Warn("account top-up failed", "operator_id", o.ID, "account", account.Hex(), "error", err)
		}
	}

	started := time.Now()
	res, err := e.sender.Send(ctx, instruction.Request{
		Sender: account,
		Calls:  calls,
		Key:    key,
		Proofs: proofs,
		Deploy: deploy,
	})
	if e.records != nil {
		e.records.Record(ledger.NewRecord(ledger.Entry{
			OperatorID: o.ID,
			AgentID:    o.AgentID,
			Account:    account,
			Kind:       kind,
			Sponsored:  sponsored,
			Started:    started,
			Result:     res,
			Err:        err,
		}))
	}
	return res, err
}
