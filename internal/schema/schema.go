// Package schema turns arbitrary calldata into the addresses that matter for
// authorization. Each target type gets a LeafBuilder; the account hashes the
// extracted addresses into a Merkle leaf and checks it against its root.
package schema

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/merkle"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnsupportedCall is returned when a decoder does not recognize the selector.
var ErrUnsupportedCall = errors.New("unsupported call for schema")

// Extraction is what a decoder pulls out of one call.
type Extraction struct {
	// Addresses are the authorization-relevant arguments, in leaf order.
	Addresses []common.Address
	// Tokens are the fungible tokens the call moves or exposes.
	Tokens []common.Address
	// Amount is the asset value the call spends from the account or, for an
	// approval, makes spendable by someone else.
	Amount *big.Int
}

// LeafBuilder decodes calldata for one kind of target.
type LeafBuilder interface {
	Name() string
	Extract(target common.Address, data []byte) (Extraction, error)
}

// Leaf hashes target and ext into the Merkle leaf for that action.
func Leaf(target common.Address, ext Extraction) common.Hash {
	return merkle.Leaf(target, ext.Addresses)
}

// ERC20 decodes transfer, approve and transferFrom. The target is the token.
type ERC20 struct{}

func (ERC20) Name() string { return "erc20" }

func (ERC20) Extract(target common.Address, data []byte) (Extraction, error) {
	m, args, err := abis.Decode(abis.ERC20, data)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrUnsupportedCall, err)
	}
	switch m.Name {
	case "transfer":
		return Extraction{
			Addresses: []common.Address{args[0].(common.Address)},
			Tokens:    []common.Address{target},
			Amount:    args[1].(*big.Int),
		}, nil
	case "approve":
		// The spender can move the whole allowance later with transferFrom,
		// outside this account's checks.
		return Extraction{
			Addresses: []common.Address{args[0].(common.Address)},
			Tokens:    []common.Address{target},
			Amount:    args[1].(*big.Int),
		}, nil
	case "transferFrom":
		return Extraction{
			Addresses: []common.Address{args[0].(common.Address), args[1].(common.Address)},
			Tokens:    []common.Address{target},
			Amount:    args[2].(*big.Int),
		}, nil
	default:
		return Extraction{}, fmt.Errorf("%w: erc20 %s", ErrUnsupportedCall, m.Name)
	}
}

// ExactInputSingleParams mirrors the swap router's single-hop parameters.
type ExactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// SwapRouter decodes exactInputSingle on a swap router.
type SwapRouter struct{}

func (SwapRouter) Name() string { return "swap_router" }

func (SwapRouter) Extract(_ common.Address, data []byte) (Extraction, error) {
	m, args, err := abis.Decode(abis.Router, data)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrUnsupportedCall, err)
	}
	if m.Name != "exactInputSingle" {
		return Extraction{}, fmt.Errorf("%w: router %s", ErrUnsupportedCall, m.Name)
	}
	p, ok := convertSwapParams(args[0])
	if !ok {
		return Extraction{}, fmt.Errorf("%w: malformed swap params", ErrUnsupportedCall)
	}
	return Extraction{
		Addresses: []common.Address{p.TokenIn, p.TokenOut, p.Recipient},
		Tokens:    []common.Address{p.TokenIn, p.TokenOut},
		Amount:    p.AmountIn,
	}, nil
}

func convertSwapParams(in interface{}) (p *ExactInputSingleParams, ok bool) {
	defer func() {
		if recover() != nil {
			p, ok = nil, false
		}
	}()
	p, ok = abi.ConvertType(in, new(ExactInputSingleParams)).(*ExactInputSingleParams)
	return p, ok
}

// EncodeExactInputSingle packs a swap call for the router.
func EncodeExactInputSingle(p ExactInputSingleParams) ([]byte, error) {
	return abis.Router.Pack("exactInputSingle", p)
}

// Vault decodes capital pool calls. Asset is the pool's underlying token.
type Vault struct {
	Asset common.Address
}

func (Vault) Name() string { return "vault" }

func (v Vault) Extract(_ common.Address, data []byte) (Extraction, error) {
	m, args, err := abis.Decode(abis.Vault, data)
	if err != nil {
		return Extraction{}, fmt.Errorf("%w: %v", ErrUnsupportedCall, err)
	}
	switch m.Name {
	case "deposit":
		return Extraction{
			Addresses: []common.Address{args[1].(common.Address)},
			Tokens:    []common.Address{v.Asset},
			Amount:    args[0].(*big.Int),
		}, nil
	case "withdraw", "redeem":
		return Extraction{
			Addresses: []common.Address{args[1].(common.Address), args[2].(common.Address)},
			Tokens:    []common.Address{v.Asset},
			Amount:    new(big.Int),
		}, nil
	case "pull":
		// Pulled capital flows into the account; it is not a spend.
		return Extraction{
			Addresses: []common.Address{args[0].(common.Address)},
			Tokens:    []common.Address{v.Asset},
			Amount:    new(big.Int),
		}, nil
	default:
		return Extraction{}, fmt.Errorf("%w: vault %s", ErrUnsupportedCall, m.Name)
	}
}
