// Package userop models the signed instruction an agent operator submits:
// the ERC-4337 UserOperation in its v0.7 field layout, with codecs for the
// v0.7 and v0.6 entry points.
package userop

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Version identifies an entry-point generation.
type Version string

const (
	V06 Version = "v0.6"
	V07 Version = "v0.7"
)

// Canonical entry-point deployments.
var (
	EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
)

var (
	ErrUnknownVersion   = errors.New("unknown entry point version")
	ErrShortPackedField = errors.New("packed field shorter than an address")
)

// UserOperation holds every field either entry point needs. Factory and
// Paymaster are zero when absent.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

// InitCode is factory || factoryData, or empty when no factory is set.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == (common.Address{}) {
		return []byte{}
	}
	return append(common.CopyBytes(op.Factory.Bytes()), op.FactoryData...)
}

// SetInitCode splits a v0.6 initCode into factory and factoryData.
func (op *UserOperation) SetInitCode(code []byte) error {
	if len(code) == 0 {
		op.Factory, op.FactoryData = common.Address{}, nil
		return nil
	}
	if len(code) < common.AddressLength {
		return fmt.Errorf("initCode: %w", ErrShortPackedField)
	}
	op.Factory = common.BytesToAddress(code[:common.AddressLength])
	op.FactoryData = common.CopyBytes(code[common.AddressLength:])
	return nil
}

// HasPaymaster reports whether a paymaster sponsors the operation.
func (op *UserOperation) HasPaymaster() bool {
	return op.Paymaster != (common.Address{})
}

// MaxGas is the total gas the operation may consume.
func (op *UserOperation) MaxGas() *big.Int {
	total := new(big.Int)
	for _, v := range []*big.Int{op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas,
		op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// RequiredPrefund is MaxGas * MaxFeePerGas.
func (op *UserOperation) RequiredPrefund() *big.Int {
	return new(big.Int).Mul(op.MaxGas(), orZero(op.MaxFeePerGas))
}

// Copy returns a deep copy.
func (op *UserOperation) Copy() *UserOperation {
	c := *op
	c.Nonce = cloneInt(op.Nonce)
	c.FactoryData = common.CopyBytes(op.FactoryData)
	c.CallData = common.CopyBytes(op.CallData)
	c.CallGasLimit = cloneInt(op.CallGasLimit)
	c.VerificationGasLimit = cloneInt(op.VerificationGasLimit)
	c.PreVerificationGas = cloneInt(op.PreVerificationGas)
	c.MaxFeePerGas = cloneInt(op.MaxFeePerGas)
	c.MaxPriorityFeePerGas = cloneInt(op.MaxPriorityFeePerGas)
	c.PaymasterVerificationGasLimit = cloneInt(op.PaymasterVerificationGasLimit)
	c.PaymasterPostOpGasLimit = cloneInt(op.PaymasterPostOpGasLimit)
	c.PaymasterData = common.CopyBytes(op.PaymasterData)
	c.Signature = common.CopyBytes(op.Signature)
	return &c
}

// Sign computes the operation hash under codec and signs it with key. The
// signature is over the raw hash, with v in {27, 28}.
func Sign(op *UserOperation, codec Codec, entryPoint common.Address, chainID *big.Int, key *ecdsa.PrivateKey) (common.Hash, error) {
	hash := codec.Hash(op, entryPoint, chainID)
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing user operation: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	op.Signature = sig
	return hash, nil
}

// DummySignature has the length and shape of a real signature, for gas
// estimation before the operation is final.
func DummySignature() []byte {
	return hexutil.MustDecode("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
}

// packHalves packs two 128-bit values into one 32-byte word, hi first.
func packHalves(hi, lo *big.Int) [32]byte {
	h := uint256.MustFromBig(orZero(hi))
	l := uint256.MustFromBig(orZero(lo))
	h.Lsh(h, 128)
	h.Or(h, l)
	return h.Bytes32()
}

// unpackHalves is the inverse of packHalves.
func unpackHalves(word [32]byte) (hi, lo *big.Int) {
	return new(big.Int).SetBytes(word[:16]), new(big.Int).SetBytes(word[16:])
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
