package schema

import (
	"math/big"
	"testing"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/merkle"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	usdc      = common.HexToAddress("0x00000000000000000000000000000000000005dc")
	weth      = common.HexToAddress("0x0000000000000000000000000000000000000e7e")
	router    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	recipient = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestERC20Extract(t *testing.T) {
	transfer, err := abis.ERC20.Pack("transfer", recipient, big.NewInt(250))
	require.NoError(t, err)

	ext, err := ERC20{}.Extract(usdc, transfer)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{recipient}, ext.Addresses)
	assert.Equal(t, []common.Address{usdc}, ext.Tokens)
	assert.Equal(t, int64(250), ext.Amount.Int64())

	approve, err := abis.ERC20.Pack("approve", router, big.NewInt(1_000_000))
	require.NoError(t, err)
	ext, err = ERC20{}.Extract(usdc, approve)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{router}, ext.Addresses)
	assert.Equal(t, int64(1_000_000), ext.Amount.Int64(), "an allowance counts as spend")
}

func TestERC20ExtractRejectsForeignSelector(t *testing.T) {
	data, err := abis.Vault.Pack("pull", recipient, big.NewInt(1))
	require.NoError(t, err)
	_, err = ERC20{}.Extract(usdc, data)
	assert.ErrorIs(t, err, ErrUnsupportedCall)
}

func TestSwapRouterExtract(t *testing.T) {
	data, err := EncodeExactInputSingle(ExactInputSingleParams{
		TokenIn:           usdc,
		TokenOut:          weth,
		Fee:               big.NewInt(500),
		Recipient:         recipient,
		AmountIn:          big.NewInt(42),
		AmountOutMinimum:  big.NewInt(1),
		SqrtPriceLimitX96: new(big.Int),
	})
	require.NoError(t, err)

	ext, err := SwapRouter{}.Extract(router, data)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{usdc, weth, recipient}, ext.Addresses)
	assert.Equal(t, []common.Address{usdc, weth}, ext.Tokens)
	assert.Equal(t, int64(42), ext.Amount.Int64())

	leaf := Leaf(router, ext)
	assert.Equal(t, merkle.Leaf(router, []common.Address{usdc, weth, recipient}), leaf)
}

func TestVaultExtract(t *testing.T) {
	v := Vault{Asset: usdc}
	pool := common.HexToAddress("0x0000000000000000000000000000000000000b01")

	deposit, err := abis.Vault.Pack("deposit", big.NewInt(90), recipient)
	require.NoError(t, err)
	ext, err := v.Extract(pool, deposit)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{recipient}, ext.Addresses)
	assert.Equal(t, int64(90), ext.Amount.Int64())

	pull, err := abis.Vault.Pack("pull", recipient, big.NewInt(90))
	require.NoError(t, err)
	ext, err = v.Extract(pool, pull)
	require.NoError(t, err)
	assert.Zero(t, ext.Amount.Sign())
	assert.Equal(t, []common.Address{usdc}, ext.Tokens)
}
