// Package typeddata builds and checks the EIP-712 messages an agent signs
// outside of user operations: binding a smart account to its identity record
// and delegating token spend to a router. Both carry a deadline.
package typeddata

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrExpired         = errors.New("signature deadline passed")
	ErrBadSignature    = errors.New("signature does not match signer")
	ErrMissingDeadline = errors.New("message has no deadline")
)

// MagicValue is the ERC-1271 success value.
var MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain is the EIP-712 domain separator input.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func (d Domain) typed() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// WalletBinding asks the identity registry to bind wallet to agentID.
func WalletBinding(d Domain, agentID *big.Int, wallet common.Address, deadline uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			"AgentWalletSet": {
				{Name: "agentId", Type: "uint256"},
				{Name: "newWallet", Type: "address"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "AgentWalletSet",
		Domain:      d.typed(),
		Message: apitypes.TypedDataMessage{
			"agentId":   agentID.String(),
			"newWallet": wallet.Hex(),
			"deadline":  new(big.Int).SetUint64(deadline).String(),
		},
	}
}

// Permit is an EIP-2612 spend delegation from owner to spender.
func Permit(d Domain, owner, spender common.Address, value, nonce *big.Int, deadline uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain:      d.typed(),
		Message: apitypes.TypedDataMessage{
			"owner":    owner.Hex(),
			"spender":  spender.Hex(),
			"value":    value.String(),
			"nonce":    nonce.String(),
			"deadline": new(big.Int).SetUint64(deadline).String(),
		},
	}
}

// Hash returns the EIP-712 digest of td.
func Hash(td apitypes.TypedData) (common.Hash, error) {
	h, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hashing typed data: %w", err)
	}
	return common.BytesToHash(h), nil
}

// Sign signs td with key, returning a 65-byte signature with v in {27, 28}.
func Sign(td apitypes.TypedData, key *ecdsa.PrivateKey) ([]byte, common.Hash, error) {
	h, err := Hash(td)
	if err != nil {
		return nil, common.Hash{}, err
	}
	sig, err := crypto.Sign(h.Bytes(), key)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("signing typed data: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, h, nil
}

// SignatureChecker is a smart account's ERC-1271 surface.
type SignatureChecker interface {
	IsValidSignature(hash common.Hash, signature []byte) [4]byte
}

// ContractLookup resolves signer addresses that are smart accounts.
type ContractLookup func(addr common.Address) (SignatureChecker, bool)

// Verify checks the deadline and that signer produced sig over td. When
// signer is a smart account, its IsValidSignature decides; otherwise the
// signature must recover to signer.
func Verify(td apitypes.TypedData, sig []byte, signer common.Address, now uint64, lookup ContractLookup) error {
	deadline, err := deadlineOf(td)
	if err != nil {
		return err
	}
	if now > deadline {
		return fmt.Errorf("%w: deadline %d, now %d", ErrExpired, deadline, now)
	}
	h, err := Hash(td)
	if err != nil {
		return err
	}
	if lookup != nil {
		if checker, ok := lookup(signer); ok {
			if checker.IsValidSignature(h, sig) != MagicValue {
				return ErrBadSignature
			}
			return nil
		}
	}
	if len(sig) != crypto.SignatureLength {
		return ErrBadSignature
	}
	s := common.CopyBytes(sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(h.Bytes(), s)
	if err != nil || crypto.PubkeyToAddress(*pub) != signer {
		return ErrBadSignature
	}
	return nil
}

func deadlineOf(td apitypes.TypedData) (uint64, error) {
	raw, ok := td.Message["deadline"]
	if !ok {
		return 0, ErrMissingDeadline
	}
	s, ok := raw.(string)
	if !ok {
		return 0, ErrMissingDeadline
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !v.IsUint64() {
		return 0, ErrMissingDeadline
	}
	return v.Uint64(), nil
}
