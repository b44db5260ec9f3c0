package chain_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/chain"
	"github.com/alecgard/agentvault/internal/devnet"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	payee       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	beneficiary = common.HexToAddress("0x000000000000000000000000000000000000be4e")
	agentID     = big.NewInt(42)
	ether       = big.NewInt(1_000_000_000_000_000_000)
)

type env struct {
	net    *devnet.Devnet
	key    *ecdsa.PrivateKey
	sender common.Address
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	clock := time.Unix(1_700_000_000, 0)
	net, err := devnet.New(devnet.Config{
		ChainID:          big.NewInt(31337),
		Clock:            func() time.Time { return clock },
		PaymasterDeposit: ether,
	})
	require.NoError(t, err)
	require.NoError(t, net.Factory.SetTrustedContract(devnet.DeployerAddress, devnet.USDCAddress, true))
	require.NoError(t, net.Factory.SetTrustedToken(devnet.DeployerAddress, devnet.USDCAddress, true))

	e := &env{net: net, key: key, sender: net.Factory.GetAddress(owner, agentID)}
	require.NoError(t, net.USDC.Mint(e.sender, big.NewInt(1_000)))
	return e
}

func (e *env) op(t *testing.T, nonce int64, deploy bool, amount int64) *userop.UserOperation {
	t.Helper()
	return e.batch(t, agentID, nonce, deploy, transferTo(t, payee, amount))
}

func transferTo(t *testing.T, to common.Address, amount int64) abis.Call {
	t.Helper()
	data, err := abis.ERC20.Pack("transfer", to, big.NewInt(amount))
	require.NoError(t, err)
	return abis.Call{Target: devnet.USDCAddress, Data: data}
}

// batch builds an operation for the account of (owner, agent).
func (e *env) batch(t *testing.T, agent *big.Int, nonce int64, deploy bool, calls ...abis.Call) *userop.UserOperation {
	t.Helper()
	callData, err := abis.EncodeExecute(calls)
	require.NoError(t, err)
	op := &userop.UserOperation{
		Sender:               e.net.Factory.GetAddress(owner, agent),
		Nonce:                big.NewInt(nonce),
		CallData:             callData,
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(400_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
	}
	if deploy {
		op.Factory = devnet.FactoryAddress
		op.FactoryData, err = abis.Factory.Pack("createAccount",
			owner, owner, crypto.PubkeyToAddress(e.key.PublicKey), agent, big.NewInt(500), big.NewInt(1_800_000_000))
		require.NoError(t, err)
	}
	return op
}

func (e *env) sign(t *testing.T, op *userop.UserOperation, key *ecdsa.PrivateKey) {
	t.Helper()
	c := e.net.Chain
	_, err := userop.Sign(op, c.Codec(), c.EntryPoint(), c.ChainID(), key)
	require.NoError(t, err)
}

func TestHandleOpsDeploysAndExecutes(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	c.Mint(e.sender, ether)

	op := e.op(t, 0, true, 100)
	e.sign(t, op, e.key)
	require.NoError(t, c.CheckOp(op))

	txHash, receipts, dropped := c.HandleOps([]*userop.UserOperation{op}, beneficiary)
	require.Empty(t, dropped)
	require.Len(t, receipts, 1)
	r := receipts[0]
	assert.True(t, r.Success, r.Reason)
	assert.Equal(t, txHash, r.Receipt.TransactionHash)
	assert.Equal(t, int64(100), e.net.USDC.BalanceOf(payee).Int64())

	_, deployed := c.Account(e.sender)
	assert.True(t, deployed)
	assert.NotEmpty(t, c.CodeAt(e.sender))
	assert.Equal(t, int64(1), c.GetNonce(e.sender, nil).Int64())

	cost := r.ActualGasCost.ToInt()
	assert.Equal(t, cost, c.BalanceOf(beneficiary))
	spent := new(big.Int).Sub(ether, c.BalanceOf(e.sender))
	spent.Sub(spent, c.DepositOf(e.sender))
	assert.Equal(t, cost, spent, "account pays exactly the charged gas")

	stored, ok := c.Receipt(r.UserOpHash)
	require.True(t, ok)
	assert.Equal(t, r, stored)
}

func TestRejectedValidationIsStillIncluded(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	c.Mint(e.sender, ether)

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	op := e.op(t, 0, true, 100)
	e.sign(t, op, stranger)

	_, receipts, dropped := c.HandleOps([]*userop.UserOperation{op}, beneficiary)
	require.Empty(t, dropped)
	require.Len(t, receipts, 1)
	assert.False(t, receipts[0].Success)
	assert.Contains(t, receipts[0].Reason, "invalid operator signature")
	assert.Equal(t, int64(1), c.GetNonce(e.sender, nil).Int64(), "nonce consumed")
	assert.Positive(t, receipts[0].ActualGasCost.ToInt().Sign(), "gas charged")
	assert.Zero(t, e.net.USDC.BalanceOf(payee).Sign())
}

func TestOverLimitRejectedAfterDeployment(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	c.Mint(e.sender, ether)

	first := e.op(t, 0, true, 400)
	e.sign(t, first, e.key)
	_, receipts, _ := c.HandleOps([]*userop.UserOperation{first}, beneficiary)
	require.True(t, receipts[0].Success)

	second := e.op(t, 1, false, 101)
	e.sign(t, second, e.key)
	_, receipts, _ = c.HandleOps([]*userop.UserOperation{second}, beneficiary)
	require.Len(t, receipts, 1)
	assert.False(t, receipts[0].Success)
	assert.Contains(t, receipts[0].Reason, "daily limit exceeded")
	assert.Equal(t, int64(400), e.net.USDC.BalanceOf(payee).Int64())
}

func TestPaymasterPaysGas(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain

	op := e.op(t, 0, true, 10)
	op.Paymaster = devnet.PaymasterAddress
	op.PaymasterVerificationGasLimit = big.NewInt(50_000)
	op.PaymasterPostOpGasLimit = big.NewInt(20_000)
	e.sign(t, op, e.key)
	require.NoError(t, c.CheckOp(op))

	_, receipts, dropped := c.HandleOps([]*userop.UserOperation{op}, beneficiary)
	require.Empty(t, dropped)
	require.True(t, receipts[0].Success, receipts[0].Reason)
	require.NotNil(t, receipts[0].Paymaster)

	assert.Zero(t, c.BalanceOf(e.sender).Sign())
	left := new(big.Int).Sub(ether, receipts[0].ActualGasCost.ToInt())
	assert.Equal(t, left, c.DepositOf(devnet.PaymasterAddress))
}

func TestCheckOp(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain

	var opErr *chain.OpError
	op := e.op(t, 0, false, 1)
	e.sign(t, op, e.key)
	require.ErrorAs(t, c.CheckOp(op), &opErr)
	assert.Equal(t, "AA20", opErr.Code)

	op = e.op(t, 0, true, 1)
	e.sign(t, op, e.key)
	require.ErrorAs(t, c.CheckOp(op), &opErr)
	assert.Equal(t, "AA21", opErr.Code, "no funds for prefund")

	c.Mint(e.sender, ether)
	require.NoError(t, c.CheckOp(op))
	_, _, dropped := c.HandleOps([]*userop.UserOperation{op}, beneficiary)
	require.Empty(t, dropped)

	replay := e.op(t, 0, false, 1)
	e.sign(t, replay, e.key)
	require.ErrorAs(t, c.CheckOp(replay), &opErr)
	assert.Equal(t, "AA25", opErr.Code)

	_, receipts, dropped := c.HandleOps([]*userop.UserOperation{replay}, beneficiary)
	assert.Empty(t, receipts)
	require.Len(t, dropped, 1)
	assert.ErrorAs(t, dropped[0].Err, &opErr)
}

func TestNonceKeysAreIndependent(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	c.Mint(e.sender, ether)

	op := e.op(t, 0, true, 1)
	e.sign(t, op, e.key)
	c.HandleOps([]*userop.UserOperation{op}, beneficiary)

	key := big.NewInt(5)
	keyed := e.op(t, 0, false, 1)
	keyed.Nonce = new(big.Int).Lsh(key, 64)
	e.sign(t, keyed, e.key)
	_, receipts, dropped := c.HandleOps([]*userop.UserOperation{keyed}, beneficiary)
	require.Empty(t, dropped)
	require.True(t, receipts[0].Success, receipts[0].Reason)

	want := new(big.Int).Add(new(big.Int).Lsh(key, 64), big.NewInt(1))
	data, err := abis.EntryPoint.Pack("getNonce", e.sender, key)
	require.NoError(t, err)
	out, err := c.View(common.Address{}, c.EntryPoint(), data)
	require.NoError(t, err)
	got, err := abis.EntryPoint.Unpack("getNonce", out)
	require.NoError(t, err)
	assert.Equal(t, want, got[0].(*big.Int))
	assert.Equal(t, int64(1), c.GetNonce(e.sender, nil).Int64())
}

func TestApplyTransaction(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	c.Mint(from, ether)

	signer := types.LatestSignerForChainID(c.ChainID())
	send := func(nonce uint64) (common.Hash, error) {
		tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.ChainID(),
			Nonce:     nonce,
			GasTipCap: c.PriorityFee(),
			GasFeeCap: c.GasPrice(),
			Gas:       21_000,
			To:        &payee,
			Value:     big.NewInt(1_000),
		}), signer, key)
		require.NoError(t, err)
		return c.ApplyTransaction(tx)
	}

	hash, err := send(0)
	require.NoError(t, err)
	rec, ok := c.Transaction(hash)
	require.True(t, ok)
	assert.Equal(t, from, rec.From)
	assert.Equal(t, types.ReceiptStatusSuccessful, rec.Status)
	assert.Equal(t, int64(1_000), c.BalanceOf(payee).Int64())
	assert.Equal(t, uint64(1), c.TxNonce(from))

	_, err = send(0)
	assert.ErrorIs(t, err, chain.ErrNonceTooLow)
	_, err = send(5)
	assert.ErrorIs(t, err, chain.ErrNonceTooHigh)
}

func TestDepositToThroughCall(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	funder := common.HexToAddress("0xf0")
	c.Mint(funder, big.NewInt(500))
	require.NoError(t, c.DepositTo(funder, e.sender, big.NewInt(300)))
	assert.Equal(t, int64(300), c.DepositOf(e.sender).Int64())
	assert.Equal(t, int64(200), c.BalanceOf(funder).Int64())

	err := c.DepositTo(funder, e.sender, big.NewInt(300))
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)
}

func TestFailedBatchLeavesNoPartialState(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	c.Mint(e.sender, ether)

	deploy := e.op(t, 0, true, 10)
	e.sign(t, deploy, e.key)
	_, receipts, _ := c.HandleOps([]*userop.UserOperation{deploy}, beneficiary)
	require.True(t, receipts[0].Success, receipts[0].Reason)
	require.NoError(t, e.net.USDC.Transfer(e.sender, payee, big.NewInt(840)))
	require.Equal(t, int64(150), e.net.USDC.BalanceOf(e.sender).Int64())
	acct, ok := e.net.Factory.Account(e.sender)
	require.True(t, ok)
	eventsBefore := len(acct.Events())

	other := common.HexToAddress("0x0000000000000000000000000000000000000c0c")
	op := e.batch(t, agentID, 1, false, transferTo(t, other, 100), transferTo(t, other, 200))
	e.sign(t, op, e.key)
	_, receipts, dropped := c.HandleOps([]*userop.UserOperation{op}, beneficiary)
	require.Empty(t, dropped)
	require.Len(t, receipts, 1)
	assert.False(t, receipts[0].Success)
	assert.Contains(t, receipts[0].Reason, "batch call 1")

	assert.Zero(t, e.net.USDC.BalanceOf(other).Sign(), "first transfer rolled back")
	assert.Equal(t, int64(150), e.net.USDC.BalanceOf(e.sender).Int64())
	assert.Len(t, acct.Events(), eventsBefore)
	assert.Equal(t, int64(2), c.GetNonce(e.sender, nil).Int64(), "nonce still consumed")
	assert.Positive(t, receipts[0].ActualGasCost.ToInt().Sign(), "gas still charged")
	assert.Equal(t, int64(10+300), acct.DailySpend().Amount.Int64(), "validation spend stands")
}

func TestFailedTransactionCallIsRolledBack(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	c.Mint(from, ether)

	data, err := abis.ERC20.Pack("transfer", payee, big.NewInt(1))
	require.NoError(t, err)
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.ChainID(),
		GasTipCap: c.PriorityFee(),
		GasFeeCap: c.GasPrice(),
		Gas:       60_000,
		To:        &devnet.USDCAddress,
		Value:     big.NewInt(1_000),
		Data:      data,
	}), types.LatestSignerForChainID(c.ChainID()), key)
	require.NoError(t, err)

	hash, err := c.ApplyTransaction(tx)
	require.NoError(t, err)
	rec, ok := c.Transaction(hash)
	require.True(t, ok)
	assert.Equal(t, types.ReceiptStatusFailed, rec.Status)
	assert.Zero(t, c.BalanceOf(devnet.USDCAddress).Sign(), "value returned")
	assert.Equal(t, uint64(1), c.TxNonce(from))
}

func TestHandleOpsOrdersInterleavedSenders(t *testing.T) {
	e := newEnv(t)
	c := e.net.Chain
	otherAgent := big.NewInt(43)
	other := e.net.Factory.GetAddress(owner, otherAgent)
	c.Mint(e.sender, ether)
	c.Mint(other, ether)
	require.NoError(t, e.net.USDC.Mint(other, big.NewInt(1_000)))

	a0 := e.op(t, 0, true, 1)
	a1 := e.op(t, 1, false, 2)
	b0 := e.batch(t, otherAgent, 0, true, transferTo(t, payee, 3))
	for _, op := range []*userop.UserOperation{a0, a1, b0} {
		e.sign(t, op, e.key)
	}

	_, receipts, dropped := c.HandleOps([]*userop.UserOperation{a1, b0, a0}, beneficiary)
	require.Empty(t, dropped)
	require.Len(t, receipts, 3)
	for _, r := range receipts {
		assert.True(t, r.Success, r.Reason)
	}
	assert.Equal(t, e.sender, receipts[0].Sender)
	assert.Equal(t, "0x0", receipts[0].Nonce.String())
	assert.Equal(t, e.sender, receipts[1].Sender)
	assert.Equal(t, other, receipts[2].Sender)
	assert.Equal(t, int64(2), c.GetNonce(e.sender, nil).Int64())
	assert.Equal(t, int64(1), c.GetNonce(other, nil).Int64())
	assert.Equal(t, int64(6), e.net.USDC.BalanceOf(payee).Int64())
}
