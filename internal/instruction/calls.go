package instruction

import (
	"math/big"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/ethereum/go-ethereum/common"
)

// Transfer pays amount of token to to.
func Transfer(token, to common.Address, amount *big.Int) (abis.Call, error) {
	data, err := abis.ERC20.Pack("transfer", to, amount)
	if err != nil {
		return abis.Call{}, err
	}
	return abis.Call{Target: token, Data: data}, nil
}

// Approve lets spender draw up to amount of token.
func Approve(token, spender common.Address, amount *big.Int) (abis.Call, error) {
	data, err := abis.ERC20.Pack("approve", spender, amount)
	if err != nil {
		return abis.Call{}, err
	}
	return abis.Call{Target: token, Data: data}, nil
}

// Pull draws assets from the agent's capital pool to to.
func Pull(pool, to common.Address, assets *big.Int) (abis.Call, error) {
	data, err := abis.Vault.Pack("pull", to, assets)
	if err != nil {
		return abis.Call{}, err
	}
	return abis.Call{Target: pool, Data: data}, nil
}

// Native sends value wei with no calldata.
func Native(to common.Address, value *big.Int) abis.Call {
	return abis.Call{Target: to, Value: value}
}

// CreateAccount is the factory call that deploys an account on first use.
func CreateAccount(factory, owner, admin, operator common.Address, agentID, dailyLimit *big.Int, expiresAt uint64) (*Deployment, error) {
	data, err := abis.Factory.Pack("createAccount", owner, admin, operator, agentID, dailyLimit, new(big.Int).SetUint64(expiresAt))
	if err != nil {
		return nil, err
	}
	return &Deployment{Factory: factory, FactoryData: data}, nil
}
