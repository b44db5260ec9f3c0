package relay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/devnet"
	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	payee   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	agentID = big.NewInt(9)
	ether   = big.NewInt(1_000_000_000_000_000_000)
)

type harness struct {
	net    *devnet.Devnet
	srv    *Server
	http   *httptest.Server
	client *Client
	key    *ecdsa.PrivateKey
	sender common.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	net, err := devnet.New(devnet.Config{
		ChainID:          big.NewInt(31337),
		Clock:            func() time.Time { return time.Unix(1_700_000_000, 0) },
		PaymasterDeposit: ether,
	})
	require.NoError(t, err)
	require.NoError(t, net.Factory.SetTrustedContract(devnet.DeployerAddress, devnet.USDCAddress, true))
	require.NoError(t, net.Factory.SetTrustedToken(devnet.DeployerAddress, devnet.USDCAddress, true))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	srv := NewServer(net.Chain, Config{
		Beneficiary: common.HexToAddress("0xbe4e"),
		Paymaster:   devnet.PaymasterAddress,
	})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	h := &harness{
		net:    net,
		srv:    srv,
		http:   hs,
		client: NewClient(hs.URL, hs.Client()),
		key:    key,
		sender: net.Factory.GetAddress(owner, agentID),
	}
	require.NoError(t, net.USDC.Mint(h.sender, big.NewInt(1_000)))
	return h
}

func (h *harness) deployOp(t *testing.T) *userop.UserOperation {
	t.Helper()
	data, err := abis.ERC20.Pack("transfer", payee, big.NewInt(25))
	require.NoError(t, err)
	callData, err := abis.EncodeExecute([]abis.Call{{Target: devnet.USDCAddress, Data: data}})
	require.NoError(t, err)
	factoryData, err := abis.Factory.Pack("createAccount",
		owner, owner, crypto.PubkeyToAddress(h.key.PublicKey), agentID, big.NewInt(500), big.NewInt(1_800_000_000))
	require.NoError(t, err)
	return &userop.UserOperation{
		Sender:               h.sender,
		Nonce:                big.NewInt(0),
		Factory:              devnet.FactoryAddress,
		FactoryData:          factoryData,
		CallData:             callData,
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(100_000_000),
		Signature:            userop.DummySignature(),
	}
}

func (h *harness) rpcOp(t *testing.T, op *userop.UserOperation) json.RawMessage {
	t.Helper()
	raw, err := h.net.Chain.Codec().MarshalRPC(op)
	require.NoError(t, err)
	return raw
}

func TestSponsoredFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ep := h.net.Chain.EntryPoint()
	op := h.deployOp(t)

	var sp userop.Sponsorship
	require.NoError(t, h.client.Call(ctx, &sp, "pm_sponsorUserOperation", h.rpcOp(t, op), ep))
	require.NotNil(t, sp.Paymaster)
	assert.Equal(t, devnet.PaymasterAddress, *sp.Paymaster)
	require.NoError(t, sp.Apply(op))

	_, err := userop.Sign(op, h.net.Chain.Codec(), ep, h.net.Chain.ChainID(), h.key)
	require.NoError(t, err)

	var hash common.Hash
	require.NoError(t, h.client.Call(ctx, &hash, "eth_sendUserOperation", h.rpcOp(t, op), ep))
	assert.Equal(t, h.net.Chain.UserOpHash(op), hash)
	assert.Equal(t, 1, h.srv.Pending())

	var receipt *userop.Receipt
	require.NoError(t, h.client.Call(ctx, &receipt, "eth_getUserOperationReceipt", hash))
	assert.Nil(t, receipt, "no receipt before bundling")

	h.srv.Bundle()
	assert.Zero(t, h.srv.Pending())

	require.NoError(t, h.client.Call(ctx, &receipt, "eth_getUserOperationReceipt", hash))
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success, receipt.Reason)
	assert.Equal(t, int64(25), h.net.USDC.BalanceOf(payee).Int64())
	assert.Zero(t, h.net.Chain.BalanceOf(h.sender).Sign(), "paymaster paid")
}

func TestSendRejectsBadOps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ep := h.net.Chain.EntryPoint()

	op := h.deployOp(t)
	op.MaxFeePerGas = big.NewInt(2_000_000_000)
	op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas = big.NewInt(1), big.NewInt(1), big.NewInt(1)

	var rpcErr *Error
	err := h.client.Call(ctx, nil, "eth_sendUserOperation", h.rpcOp(t, op), ep)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeRejectedByEP, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "AA21")

	err = h.client.Call(ctx, nil, "eth_sendUserOperation", h.rpcOp(t, op), common.HexToAddress("0x1"))
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)

	op.Paymaster = devnet.PaymasterAddress
	op.PaymasterData = nil
	err = h.client.Call(ctx, nil, "eth_sendUserOperation", h.rpcOp(t, op), ep)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeRejectedByPM, rpcErr.Code)
}

func TestDuplicateSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ep := h.net.Chain.EntryPoint()
	h.net.Chain.Mint(h.sender, ether)

	op := h.deployOp(t)
	var est userop.GasEstimate
	require.NoError(t, h.client.Call(ctx, &est, "eth_estimateUserOperationGas", h.rpcOp(t, op), ep))
	est.Apply(op)
	_, err := userop.Sign(op, h.net.Chain.Codec(), ep, h.net.Chain.ChainID(), h.key)
	require.NoError(t, err)

	require.NoError(t, h.client.Call(ctx, nil, "eth_sendUserOperation", h.rpcOp(t, op), ep))
	var rpcErr *Error
	require.ErrorAs(t, h.client.Call(ctx, nil, "eth_sendUserOperation", h.rpcOp(t, op), ep), &rpcErr)
	assert.Contains(t, rpcErr.Message, "already in mempool")

	receipts := h.srv.Bundle()
	require.Len(t, receipts, 1)
	assert.True(t, receipts[0].Success, receipts[0].Reason)
}

func TestUnknownMethodAndBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var rpcErr *Error
	require.ErrorAs(t, h.client.Call(ctx, nil, "eth_mining"), &rpcErr)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)

	body := `[{"jsonrpc":"2.0","id":1,"method":"eth_chainId"},{"jsonrpc":"2.0","id":2,"method":"nope"}]`
	resp, err := http.Post(h.http.URL, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out []response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 2)
	assert.JSONEq(t, `"0x7a69"`, string(out[0].Result))
	require.NotNil(t, out[1].Error)
	assert.Equal(t, CodeMethodNotFound, out[1].Error.Code)
}

func TestEthClientCompatibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ec, err := ethclient.Dial(h.http.URL)
	require.NoError(t, err)
	defer ec.Close()

	id, err := ec.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(31337), id.Int64())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	h.net.Chain.Mint(from, ether)

	nonce, err := ec.PendingNonceAt(ctx, from)
	require.NoError(t, err)
	tip, err := ec.SuggestGasTipCap(ctx)
	require.NoError(t, err)
	price, err := ec.SuggestGasPrice(ctx)
	require.NoError(t, err)

	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   id,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: price,
		Gas:       21_000,
		To:        &payee,
		Value:     big.NewInt(7),
	}), types.LatestSignerForChainID(id), key)
	require.NoError(t, err)
	require.NoError(t, ec.SendTransaction(ctx, tx))

	receipt, err := ec.TransactionReceipt(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	bal, err := ec.BalanceAt(ctx, payee, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal.Int64())

	code, err := ec.CodeAt(ctx, h.net.Chain.EntryPoint(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
}

func TestBundleLoopStops(t *testing.T) {
	h := newHarness(t)
	h.srv.cfg.BundleInterval = 5 * time.Millisecond
	done := make(chan struct{})
	go func() {
		h.srv.Start(context.Background())
		close(done)
	}()
	h.srv.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bundle loop did not stop")
	}
}
