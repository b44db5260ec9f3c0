package account

import (
	"fmt"
	"math/big"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/ethereum/go-ethereum/common"
)

// Call dispatches ABI-encoded calldata from caller. Empty calldata is a plain
// native transfer and always succeeds.
func (a *Account) Call(caller common.Address, _ *big.Int, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	m, args, err := abis.Decode(abis.Account, data)
	if err != nil {
		return nil, err
	}
	switch m.Name {
	case "execute":
		if _, err := a.Execute(caller, args[0].(common.Address), args[1].(*big.Int), args[2].([]byte)); err != nil {
			return nil, err
		}
		return nil, nil
	case "executeBatch":
		err := a.ExecuteBatch(caller, args[0].([]common.Address), args[1].([]*big.Int), args[2].([][]byte))
		return nil, err
	case "isValidSignature":
		magic := a.IsValidSignature(common.Hash(args[0].([32]byte)), args[1].([]byte))
		return m.Outputs.Pack(magic)
	default:
		return nil, fmt.Errorf("account: unsupported method %s", m.Name)
	}
}
