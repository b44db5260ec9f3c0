// Package abis holds the ABI definitions of every contract surface the
// system talks to, plus small helpers to pack and dispatch calldata.
package abis

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrShortCalldata is returned for calldata without a 4-byte selector.
var ErrShortCalldata = errors.New("calldata shorter than selector")

const accountJSON = `[
 {"type":"function","name":"execute","inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"executeBatch","inputs":[{"name":"targets","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"datas","type":"bytes[]"}],"outputs":[]},
 {"type":"function","name":"isValidSignature","inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bytes4"}]}
]`

const entryPointJSON = `[
 {"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"depositTo","stateMutability":"payable","inputs":[{"name":"account","type":"address"}],"outputs":[]}
]`

const factoryJSON = `[
 {"type":"function","name":"createAccount","inputs":[{"name":"owner","type":"address"},{"name":"admin","type":"address"},{"name":"operator","type":"address"},{"name":"agentId","type":"uint256"},{"name":"dailyLimit","type":"uint256"},{"name":"expiresAt","type":"uint256"}],"outputs":[{"name":"account","type":"address"}]},
 {"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"agentId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"setTrustedContract","inputs":[{"name":"target","type":"address"},{"name":"trusted","type":"bool"}],"outputs":[]},
 {"type":"function","name":"setTrustedToken","inputs":[{"name":"token","type":"address"},{"name":"trusted","type":"bool"}],"outputs":[]},
 {"type":"function","name":"isTrustedContract","stateMutability":"view","inputs":[{"name":"target","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"isTrustedToken","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const erc20JSON = `[
 {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const vaultJSON = `[
 {"type":"function","name":"deposit","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
 {"type":"function","name":"withdraw","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
 {"type":"function","name":"redeem","inputs":[{"name":"shares","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"assets","type":"uint256"}]},
 {"type":"function","name":"pull","inputs":[{"name":"to","type":"address"},{"name":"assets","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"revokeAgent","inputs":[],"outputs":[]},
 {"type":"function","name":"setDailyCap","inputs":[{"name":"cap","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"setMetadataURI","inputs":[{"name":"uri","type":"string"}],"outputs":[]},
 {"type":"function","name":"setAllowlistEnabled","inputs":[{"name":"enabled","type":"bool"}],"outputs":[]},
 {"type":"function","name":"setAllowlisted","inputs":[{"name":"depositor","type":"address"},{"name":"allowed","type":"bool"}],"outputs":[]},
 {"type":"function","name":"previewDeposit","stateMutability":"view","inputs":[{"name":"assets","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"previewWithdraw","stateMutability":"view","inputs":[{"name":"assets","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"previewRedeem","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"convertToAssets","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"convertToShares","stateMutability":"view","inputs":[{"name":"assets","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"maxWithdraw","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"totalAssets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"asset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"agentId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"remainingCapToday","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"dailyCap","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"spentToday","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"currentDay","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"agentRevoked","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"metadataURI","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
 {"type":"function","name":"allowlistEnabled","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}
]`

const routerJSON = `[
 {"type":"function","name":"exactInputSingle","inputs":[{"name":"params","type":"tuple","components":[
   {"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"fee","type":"uint24"},
   {"name":"recipient","type":"address"},{"name":"amountIn","type":"uint256"},
   {"name":"amountOutMinimum","type":"uint256"},{"name":"sqrtPriceLimitX96","type":"uint160"}]}],
  "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

// Parsed ABIs.
var (
	Account    = mustParse("account", accountJSON)
	EntryPoint = mustParse("entrypoint", entryPointJSON)
	Factory    = mustParse("factory", factoryJSON)
	ERC20      = mustParse("erc20", erc20JSON)
	Vault      = mustParse("vault", vaultJSON)
	Router     = mustParse("router", routerJSON)
)

// SignatureBundle is the layout of a signature that carries Merkle proofs:
// abi.encode(bytes signature, bytes32[][] proofs).
var SignatureBundle = abi.Arguments{
	{Type: mustType("bytes")},
	{Type: mustType("bytes32[][]")},
}

func mustParse(name, def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parsing %s abi: %v", name, err))
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", t, err))
	}
	return typ
}

// Selector returns the first four bytes of data.
func Selector(data []byte) ([4]byte, error) {
	var sel [4]byte
	if len(data) < 4 {
		return sel, ErrShortCalldata
	}
	copy(sel[:], data[:4])
	return sel, nil
}

// Decode resolves the method for data within parsed and unpacks its inputs.
func Decode(parsed abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, ErrShortCalldata
	}
	m, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("resolving selector: %w", err)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("unpacking %s: %w", m.Name, err)
	}
	return m, args, nil
}

// Call is one forwarded call in an execute or executeBatch payload.
type Call struct {
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data"`
}

// EncodeExecute packs calls as execute for one call or executeBatch otherwise.
func EncodeExecute(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, errors.New("no calls to encode")
	}
	if len(calls) == 1 {
		c := calls[0]
		return Account.Pack("execute", c.Target, valueOrZero(c.Value), nonNil(c.Data))
	}
	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i, c := range calls {
		targets[i] = c.Target
		values[i] = valueOrZero(c.Value)
		datas[i] = nonNil(c.Data)
	}
	return Account.Pack("executeBatch", targets, values, datas)
}

// DecodeExecute is the inverse of EncodeExecute. Batch arrays of different
// lengths are returned as-is so the caller can report the mismatch.
func DecodeExecute(data []byte) (targets []common.Address, values []*big.Int, datas [][]byte, err error) {
	m, args, err := Decode(Account, data)
	if err != nil {
		return nil, nil, nil, err
	}
	switch m.Name {
	case "execute":
		return []common.Address{args[0].(common.Address)},
			[]*big.Int{args[1].(*big.Int)},
			[][]byte{args[2].([]byte)}, nil
	case "executeBatch":
		return args[0].([]common.Address), args[1].([]*big.Int), args[2].([][]byte), nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported account method %s", m.Name)
	}
}

// EncodeSignatureBundle packs an ECDSA signature with one proof per call.
func EncodeSignatureBundle(sig []byte, proofs [][]common.Hash) ([]byte, error) {
	raw := make([][][32]byte, len(proofs))
	for i, p := range proofs {
		raw[i] = make([][32]byte, len(p))
		for j, h := range p {
			raw[i][j] = h
		}
	}
	return SignatureBundle.Pack(sig, raw)
}

// DecodeSignatureBundle unpacks a signature produced by EncodeSignatureBundle.
func DecodeSignatureBundle(data []byte) ([]byte, [][]common.Hash, error) {
	vals, err := SignatureBundle.Unpack(data)
	if err != nil {
		return nil, nil, fmt.Errorf("unpacking signature bundle: %w", err)
	}
	sig := vals[0].([]byte)
	raw := vals[1].([][][32]byte)
	proofs := make([][]common.Hash, len(raw))
	for i, p := range raw {
		proofs[i] = make([]common.Hash, len(p))
		for j, h := range p {
			proofs[i][j] = h
		}
	}
	return sig, proofs, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
