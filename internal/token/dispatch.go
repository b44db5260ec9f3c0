package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNotPayable is returned when native value is sent to the token.
var ErrNotPayable = errors.New("token does not accept native value")

// Call dispatches ABI-encoded calldata from caller.
func (t *Token) Call(caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value != nil && value.Sign() != 0 {
		return nil, ErrNotPayable
	}
	m, args, err := abis.Decode(abis.ERC20, data)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	switch m.Name {
	case "transfer":
		err = t.Transfer(caller, args[0].(common.Address), args[1].(*big.Int))
		out = []interface{}{err == nil}
	case "approve":
		err = t.Approve(caller, args[0].(common.Address), args[1].(*big.Int))
		out = []interface{}{err == nil}
	case "transferFrom":
		err = t.TransferFrom(caller, args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int))
		out = []interface{}{err == nil}
	case "balanceOf":
		out = []interface{}{t.BalanceOf(args[0].(common.Address))}
	case "allowance":
		out = []interface{}{t.Allowance(args[0].(common.Address), args[1].(common.Address))}
	default:
		return nil, fmt.Errorf("token: unsupported method %s", m.Name)
	}
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(out...)
}
