package userop

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Codec hashes and serializes operations for one entry-point version.
type Codec interface {
	Version() Version
	// Hash is the userOpHash the account's operator signs.
	Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash
	// PaymasterAndData is the packed paymaster field in this version's layout.
	PaymasterAndData(op *UserOperation) []byte
	MarshalRPC(op *UserOperation) (json.RawMessage, error)
	UnmarshalRPC(raw json.RawMessage) (*UserOperation, error)
}

// CodecFor returns the codec for v.
func CodecFor(v Version) (Codec, error) {
	switch v {
	case V07, "":
		return V07Codec{}, nil
	case V06:
		return V06Codec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, v)
	}
}

// VersionOf maps a canonical entry-point address to its version.
func VersionOf(entryPoint common.Address) (Version, bool) {
	switch entryPoint {
	case EntryPointV07:
		return V07, true
	case EntryPointV06:
		return V06, true
	}
	return "", false
}

var (
	addressT = mustType("address")
	uint256T = mustType("uint256")
	bytes32T = mustType("bytes32")

	outerArgs = abi.Arguments{{Type: bytes32T}, {Type: addressT}, {Type: uint256T}}

	v07Args = abi.Arguments{
		{Type: addressT}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
		{Type: bytes32T}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
	}
	v06Args = abi.Arguments{
		{Type: addressT}, {Type: uint256T}, {Type: bytes32T}, {Type: bytes32T},
		{Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T}, {Type: uint256T},
		{Type: bytes32T},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func keccak(b []byte) [32]byte { return crypto.Keccak256Hash(b) }

func finalHash(inner []byte, entryPoint common.Address, chainID *big.Int) common.Hash {
	enc, err := outerArgs.Pack(keccak(inner), entryPoint, orZero(chainID))
	if err != nil {
		panic(fmt.Sprintf("packing user operation hash: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// V07Codec implements the v0.7 entry point: split factory and paymaster
// fields, 128-bit gas limits and fees packed pairwise into 32-byte words.
type V07Codec struct{}

func (V07Codec) Version() Version { return V07 }

func (V07Codec) PaymasterAndData(op *UserOperation) []byte {
	if !op.HasPaymaster() {
		return []byte{}
	}
	word := packHalves(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	out := make([]byte, 0, common.AddressLength+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, word[:]...)
	return append(out, op.PaymasterData...)
}

func (c V07Codec) Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	inner, err := v07Args.Pack(
		op.Sender,
		orZero(op.Nonce),
		keccak(op.InitCode()),
		keccak(op.CallData),
		packHalves(op.VerificationGasLimit, op.CallGasLimit),
		orZero(op.PreVerificationGas),
		packHalves(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
		keccak(c.PaymasterAndData(op)),
	)
	if err != nil {
		panic(fmt.Sprintf("packing v0.7 user operation: %v", err))
	}
	return finalHash(inner, entryPoint, chainID)
}

type rpcV07 struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func (V07Codec) MarshalRPC(op *UserOperation) (json.RawMessage, error) {
	r := rpcV07{
		Sender:               op.Sender,
		Nonce:                hb(op.Nonce),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hb(op.CallGasLimit),
		VerificationGasLimit: hb(op.VerificationGasLimit),
		PreVerificationGas:   hb(op.PreVerificationGas),
		MaxFeePerGas:         hb(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hb(op.MaxPriorityFeePerGas),
		Signature:            nonNil(op.Signature),
	}
	if op.Factory != (common.Address{}) {
		f := op.Factory
		r.Factory = &f
		r.FactoryData = nonNil(op.FactoryData)
	}
	if op.HasPaymaster() {
		p := op.Paymaster
		r.Paymaster = &p
		r.PaymasterVerificationGasLimit = hb(op.PaymasterVerificationGasLimit)
		r.PaymasterPostOpGasLimit = hb(op.PaymasterPostOpGasLimit)
		r.PaymasterData = nonNil(op.PaymasterData)
	}
	return json.Marshal(r)
}

func (V07Codec) UnmarshalRPC(raw json.RawMessage) (*UserOperation, error) {
	var r rpcV07
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding v0.7 user operation: %w", err)
	}
	op := &UserOperation{
		Sender:                        r.Sender,
		Nonce:                         bi(r.Nonce),
		FactoryData:                   r.FactoryData,
		CallData:                      r.CallData,
		CallGasLimit:                  bi(r.CallGasLimit),
		VerificationGasLimit:          bi(r.VerificationGasLimit),
		PreVerificationGas:            bi(r.PreVerificationGas),
		MaxFeePerGas:                  bi(r.MaxFeePerGas),
		MaxPriorityFeePerGas:          bi(r.MaxPriorityFeePerGas),
		PaymasterVerificationGasLimit: bi(r.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       bi(r.PaymasterPostOpGasLimit),
		PaymasterData:                 r.PaymasterData,
		Signature:                     r.Signature,
	}
	if r.Factory != nil {
		op.Factory = *r.Factory
	}
	if r.Paymaster != nil {
		op.Paymaster = *r.Paymaster
	}
	return op, nil
}

// V06Codec implements the v0.6 entry point: initCode and paymasterAndData
// as opaque byte fields and one 32-byte word per gas value.
type V06Codec struct{}

func (V06Codec) Version() Version { return V06 }

func (V06Codec) PaymasterAndData(op *UserOperation) []byte {
	if !op.HasPaymaster() {
		return []byte{}
	}
	return append(common.CopyBytes(op.Paymaster.Bytes()), op.PaymasterData...)
}

func (c V06Codec) Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) common.Hash {
	inner, err := v06Args.Pack(
		op.Sender,
		orZero(op.Nonce),
		keccak(op.InitCode()),
		keccak(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		keccak(c.PaymasterAndData(op)),
	)
	if err != nil {
		panic(fmt.Sprintf("packing v0.6 user operation: %v", err))
	}
	return finalHash(inner, entryPoint, chainID)
}

type rpcV06 struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (c V06Codec) MarshalRPC(op *UserOperation) (json.RawMessage, error) {
	return json.Marshal(rpcV06{
		Sender:               op.Sender,
		Nonce:                hb(op.Nonce),
		InitCode:             op.InitCode(),
		CallData:             nonNil(op.CallData),
		CallGasLimit:         hb(op.CallGasLimit),
		VerificationGasLimit: hb(op.VerificationGasLimit),
		PreVerificationGas:   hb(op.PreVerificationGas),
		MaxFeePerGas:         hb(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hb(op.MaxPriorityFeePerGas),
		PaymasterAndData:     c.PaymasterAndData(op),
		Signature:            nonNil(op.Signature),
	})
}

func (V06Codec) UnmarshalRPC(raw json.RawMessage) (*UserOperation, error) {
	var r rpcV06
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding v0.6 user operation: %w", err)
	}
	op := &UserOperation{
		Sender:               r.Sender,
		Nonce:                bi(r.Nonce),
		CallData:             r.CallData,
		CallGasLimit:         bi(r.CallGasLimit),
		VerificationGasLimit: bi(r.VerificationGasLimit),
		PreVerificationGas:   bi(r.PreVerificationGas),
		MaxFeePerGas:         bi(r.MaxFeePerGas),
		MaxPriorityFeePerGas: bi(r.MaxPriorityFeePerGas),
		Signature:            r.Signature,
	}
	if err := op.SetInitCode(r.InitCode); err != nil {
		return nil, err
	}
	if err := op.SetPaymasterAndData(r.PaymasterAndData); err != nil {
		return nil, err
	}
	return op, nil
}

// SetPaymasterAndData splits a v0.6 paymasterAndData field.
func (op *UserOperation) SetPaymasterAndData(b []byte) error {
	if len(b) == 0 {
		op.Paymaster, op.PaymasterData = common.Address{}, nil
		return nil
	}
	if len(b) < common.AddressLength {
		return fmt.Errorf("paymasterAndData: %w", ErrShortPackedField)
	}
	op.Paymaster = common.BytesToAddress(b[:common.AddressLength])
	op.PaymasterData = common.CopyBytes(b[common.AddressLength:])
	return nil
}

func hb(v *big.Int) *hexutil.Big { return (*hexutil.Big)(new(big.Int).Set(orZero(v))) }

func bi(v *hexutil.Big) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v.ToInt())
}

func nonNil(b []byte) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return b
}
