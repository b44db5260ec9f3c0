package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNonceTooLow  = errors.New("nonce too low")
	ErrNonceTooHigh = errors.New("nonce too high")
	ErrNoRecipient  = errors.New("contract creation is not supported")
)

// transferGas is charged for every raw transaction.
const transferGas = 21_000

// TxRecord is an included raw transaction.
type TxRecord struct {
	Hash   common.Hash
	From   common.Address
	To     common.Address
	Value  *big.Int
	Nonce  uint64
	Block  uint64
	Status uint64
}

// TxNonce returns the next transaction nonce for addr.
func (c *Chain) TxNonce(addr common.Address) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.txNonces[addr]
}

// ApplyTransaction includes a signed transaction in its own block. Nonces
// must arrive in order; a gap is rejected rather than queued.
func (c *Chain) ApplyTransaction(tx *types.Transaction) (common.Hash, error) {
	c.exec.Lock()
	defer c.exec.Unlock()

	from, err := types.Sender(types.LatestSignerForChainID(c.cfg.ChainID), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("recovering sender: %w", err)
	}
	if tx.To() == nil {
		return common.Hash{}, ErrNoRecipient
	}
	want := c.TxNonce(from)
	switch {
	case tx.Nonce() < want:
		return common.Hash{}, fmt.Errorf("%w: address %s, tx %d, state %d", ErrNonceTooLow, from.Hex(), tx.Nonce(), want)
	case tx.Nonce() > want:
		return common.Hash{}, fmt.Errorf("%w: address %s, tx %d, state %d", ErrNonceTooHigh, from.Hex(), tx.Nonce(), want)
	}

	fee := new(big.Int).Mul(big.NewInt(transferGas), c.GasPrice())
	need := new(big.Int).Add(fee, cloneInt(tx.Value()))
	if c.BalanceOf(from).Cmp(need) < 0 {
		return common.Hash{}, fmt.Errorf("%w: %s needs %s", ErrInsufficientFunds, from.Hex(), need)
	}

	c.mu.Lock()
	c.txNonces[from]++
	c.mu.Unlock()
	if err := c.transfer(from, common.Address{}, fee); err != nil {
		return common.Hash{}, err
	}

	rec := &TxRecord{
		Hash:   tx.Hash(),
		From:   from,
		To:     *tx.To(),
		Value:  cloneInt(tx.Value()),
		Nonce:  tx.Nonce(),
		Block:  c.sealBlock(),
		Status: types.ReceiptStatusSuccessful,
	}
	if _, err := c.callAtomic(from, *tx.To(), tx.Value(), tx.Data()); err != nil {
		rec.Status = types.ReceiptStatusFailed
	}

	c.mu.Lock()
	c.txs[rec.Hash] = rec
	c.mu.Unlock()
	return rec.Hash, nil
}

// Transaction returns an included raw transaction.
func (c *Chain) Transaction(hash common.Hash) (*TxRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.txs[hash]
	return r, ok
}
