package sequencer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const transferGas = 21_000

var ErrNoAmount = errors.New("top-up amount must be positive")

// Backend is the node surface the funder needs. *ethclient.Client
// satisfies it.
type Backend interface {
	NonceSource
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// FunderMetrics is an optional interface for recording top-ups.
type FunderMetrics interface {
	IncFunderTopUp(status string)
}

// Funder sends native balance from one key to accounts running low.
type Funder struct {
	key     *ecdsa.PrivateKey
	backend Backend
	seq     *Sequencer
	chainID *big.Int
	amount  *big.Int
	metrics FunderMetrics
}

// NewFunder creates a funder that sends amount wei per top-up.
func NewFunder(key *ecdsa.PrivateKey, backend Backend, chainID, amount *big.Int) (*Funder, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrNoAmount
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Funder{
		key:     key,
		backend: backend,
		seq:     New(from, backend),
		chainID: new(big.Int).Set(chainID),
		amount:  new(big.Int).Set(amount),
	}, nil
}

// SetMetrics sets the optional recorders on the funder and its sequencer.
func (f *Funder) SetMetrics(m interface {
	FunderMetrics
	MetricsRecorder
}) {
	f.metrics = m
	f.seq.SetMetrics(m)
}

// Close stops the funder's nonce sequencer.
func (f *Funder) Close() { f.seq.Close() }

// Address is the funding account.
func (f *Funder) Address() common.Address { return f.seq.Address() }

// TopUp sends the configured amount to addr if its balance is below min.
// It returns the transaction hash, or the zero hash when no top-up was
// needed.
func (f *Funder) TopUp(ctx context.Context, addr common.Address, min *big.Int) (common.Hash, error) {
	bal, err := f.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("reading balance of %s: %w", addr.Hex(), err)
	}
	if min != nil && bal.Cmp(min) >= 0 {
		f.count("skipped")
		return common.Hash{}, nil
	}
	hash, err := f.Send(ctx, addr, f.amount)
	if err != nil {
		f.count("failed")
		return common.Hash{}, err
	}
	f.count("sent")
	return hash, nil
}

// Send transfers value wei to to using the next sequenced nonce.
func (f *Funder) Send(ctx context.Context, to common.Address, value *big.Int) (common.Hash, error) {
	tip, err := f.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("quoting tip: %w", err)
	}
	price, err := f.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("quoting gas price: %w", err)
	}
	nonce, err := f.seq.Next(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Add(price, tip),
		Gas:       transferGas,
		To:        &to,
		Value:     value,
	}), types.LatestSignerForChainID(f.chainID), f.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing top-up: %w", err)
	}
	if err := f.backend.SendTransaction(ctx, tx); err != nil {
		if strings.Contains(err.Error(), "nonce") {
			f.seq.Reset()
		}
		return common.Hash{}, fmt.Errorf("sending top-up to %s: %w", to.Hex(), err)
	}
	slog.Info("account topped up",
		"to", to.Hex(),
		"value", value.String(),
		"nonce", nonce,
		"tx_hash", tx.Hash().Hex(),
	)
	return tx.Hash(), nil
}

func (f *Funder) count(status string) {
	if f.metrics != nil {
		f.metrics.IncFunderTopUp(status)
	}
}
