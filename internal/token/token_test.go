package token

import (
	"math/big"
	"testing"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca401")
)

func newUSDC(t *testing.T) *Token {
	t.Helper()
	tk := New(common.HexToAddress("0x5dc"), "USD Coin", "USDC", 6)
	require.NoError(t, tk.Mint(alice, big.NewInt(1000)))
	return tk
}

func TestTransfer(t *testing.T) {
	tk := newUSDC(t)
	require.NoError(t, tk.Transfer(alice, bob, big.NewInt(300)))
	assert.Equal(t, int64(700), tk.BalanceOf(alice).Int64())
	assert.Equal(t, int64(300), tk.BalanceOf(bob).Int64())
	assert.Equal(t, int64(1000), tk.TotalSupply().Int64())

	var ib *InsufficientBalanceError
	require.ErrorAs(t, tk.Transfer(bob, alice, big.NewInt(301)), &ib)
	assert.Equal(t, int64(300), ib.Balance.Int64())
}

func TestSelfTransferKeepsBalance(t *testing.T) {
	tk := newUSDC(t)
	require.NoError(t, tk.Transfer(alice, alice, big.NewInt(400)))
	assert.Equal(t, int64(1000), tk.BalanceOf(alice).Int64())
}

func TestTransferFromUsesAllowance(t *testing.T) {
	tk := newUSDC(t)
	require.NoError(t, tk.Approve(alice, bob, big.NewInt(500)))
	assert.Equal(t, int64(500), tk.Allowance(alice, bob).Int64())

	require.NoError(t, tk.TransferFrom(bob, alice, carol, big.NewInt(200)))
	assert.Equal(t, int64(300), tk.Allowance(alice, bob).Int64())
	assert.Equal(t, int64(200), tk.BalanceOf(carol).Int64())

	var ia *InsufficientAllowanceError
	require.ErrorAs(t, tk.TransferFrom(bob, alice, carol, big.NewInt(301)), &ia)
	assert.Equal(t, int64(300), tk.Allowance(alice, bob).Int64())
}

func TestCallDispatch(t *testing.T) {
	tk := newUSDC(t)

	data, err := abis.ERC20.Pack("transfer", bob, big.NewInt(10))
	require.NoError(t, err)
	_, err = tk.Call(alice, nil, data)
	require.NoError(t, err)

	q, err := abis.ERC20.Pack("balanceOf", bob)
	require.NoError(t, err)
	out, err := tk.Call(carol, nil, q)
	require.NoError(t, err)
	vals, err := abis.ERC20.Methods["balanceOf"].Outputs.Unpack(out)
	require.NoError(t, err)
	assert.Equal(t, int64(10), vals[0].(*big.Int).Int64())

	_, err = tk.Call(alice, big.NewInt(1), data)
	assert.ErrorIs(t, err, ErrNotPayable)
}

func TestZeroAddressRejected(t *testing.T) {
	tk := newUSDC(t)
	assert.ErrorIs(t, tk.Transfer(alice, common.Address{}, big.NewInt(1)), ErrZeroAddress)
	assert.ErrorIs(t, tk.Mint(common.Address{}, big.NewInt(1)), ErrZeroAddress)
}

func TestSnapshotRestore(t *testing.T) {
	tk := newUSDC(t)
	restore := tk.Snapshot()

	require.NoError(t, tk.Transfer(alice, bob, big.NewInt(250)))
	require.NoError(t, tk.Approve(alice, carol, big.NewInt(90)))
	require.NoError(t, tk.Mint(carol, big.NewInt(5)))

	restore()
	assert.Equal(t, int64(1000), tk.BalanceOf(alice).Int64())
	assert.Zero(t, tk.BalanceOf(bob).Sign())
	assert.Zero(t, tk.Allowance(alice, carol).Sign())
	assert.Equal(t, int64(1000), tk.TotalSupply().Int64())
}
