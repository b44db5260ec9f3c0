package typeddata

import (
	"math/big"
	"testing"

	"github.com/alecgard/agentvault/internal/account"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var domain = Domain{
	Name:              "ERC8004IdentityRegistry",
	Version:           "1",
	ChainID:           big.NewInt(84532),
	VerifyingContract: common.HexToAddress("0x8004a6090Cd10A7288092483047B097295Fb8847"),
}

func TestWalletBindingEOA(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	wallet := common.HexToAddress("0xacc7")

	td := WalletBinding(domain, big.NewInt(7), wallet, 2000)
	sig, _, err := Sign(td, key)
	require.NoError(t, err)

	require.NoError(t, Verify(td, sig, signer, 2000, nil))
	assert.ErrorIs(t, Verify(td, sig, signer, 2001, nil), ErrExpired)
	assert.ErrorIs(t, Verify(td, sig, wallet, 100, nil), ErrBadSignature)

	other := WalletBinding(domain, big.NewInt(8), wallet, 2000)
	assert.ErrorIs(t, Verify(other, sig, signer, 100, nil), ErrBadSignature)
}

func TestPermitSignedBySmartAccount(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	entryPoint := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	acct := account.New(common.HexToAddress("0xacc7"), entryPoint, nil, nil, func() uint64 { return 0 })
	require.NoError(t, acct.Initialize(account.Params{
		Owner:      common.HexToAddress("0xa1"),
		Operator:   crypto.PubkeyToAddress(key.PublicKey),
		AgentID:    big.NewInt(1),
		DailyLimit: big.NewInt(1),
		ExpiresAt:  1,
	}))
	lookup := func(addr common.Address) (SignatureChecker, bool) {
		if addr == acct.Address() {
			return acct, true
		}
		return nil, false
	}

	router := common.HexToAddress("0xf00")
	td := Permit(domain, acct.Address(), router, big.NewInt(500), big.NewInt(0), 100)
	sig, _, err := Sign(td, key)
	require.NoError(t, err)
	require.NoError(t, Verify(td, sig, acct.Address(), 50, lookup))

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	bad, _, err := Sign(td, stranger)
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(td, bad, acct.Address(), 50, lookup), ErrBadSignature)
}

func TestHashDependsOnDomain(t *testing.T) {
	td := Permit(domain, common.HexToAddress("0x1"), common.HexToAddress("0x2"), big.NewInt(1), big.NewInt(0), 9)
	h1, err := Hash(td)
	require.NoError(t, err)

	d2 := domain
	d2.ChainID = big.NewInt(1)
	h2, err := Hash(Permit(d2, common.HexToAddress("0x1"), common.HexToAddress("0x2"), big.NewInt(1), big.NewInt(0), 9))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
