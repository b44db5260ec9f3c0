package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/ethereum/go-ethereum/common"
)

// ErrNotPayable is returned when native value is sent to the pool.
var ErrNotPayable = errors.New("pool does not accept native value")

// Call dispatches ABI-encoded calldata from caller.
func (p *Pool) Call(caller common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value != nil && value.Sign() != 0 {
		return nil, ErrNotPayable
	}
	m, args, err := abis.Decode(abis.Vault, data)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	switch m.Name {
	case "deposit":
		shares, err := p.Deposit(caller, args[0].(*big.Int), args[1].(common.Address))
		if err != nil {
			return nil, err
		}
		out = []interface{}{shares}
	case "withdraw":
		shares, err := p.Withdraw(caller, args[0].(*big.Int), args[1].(common.Address), args[2].(common.Address))
		if err != nil {
			return nil, err
		}
		out = []interface{}{shares}
	case "redeem":
		assets, err := p.Redeem(caller, args[0].(*big.Int), args[1].(common.Address), args[2].(common.Address))
		if err != nil {
			return nil, err
		}
		out = []interface{}{assets}
	case "pull":
		return nil, p.Pull(caller, args[0].(common.Address), args[1].(*big.Int))
	case "revokeAgent":
		return nil, p.RevokeAgent(caller)
	case "setDailyCap":
		return nil, p.SetDailyCap(caller, args[0].(*big.Int))
	case "setMetadataURI":
		return nil, p.SetMetadataURI(caller, args[0].(string))
	case "setAllowlistEnabled":
		return nil, p.SetAllowlistEnabled(caller, args[0].(bool))
	case "setAllowlisted":
		return nil, p.SetAllowlisted(caller, args[0].(common.Address), args[1].(bool))
	case "previewDeposit", "convertToShares":
		out = []interface{}{p.ConvertToShares(args[0].(*big.Int))}
	case "previewWithdraw":
		out = []interface{}{p.PreviewWithdraw(args[0].(*big.Int))}
	case "previewRedeem", "convertToAssets":
		out = []interface{}{p.ConvertToAssets(args[0].(*big.Int))}
	case "maxWithdraw":
		out = []interface{}{p.MaxWithdraw(args[0].(common.Address))}
	case "totalAssets":
		out = []interface{}{p.TotalAssets()}
	case "totalSupply":
		out = []interface{}{p.TotalSupply()}
	case "balanceOf":
		out = []interface{}{p.BalanceOf(args[0].(common.Address))}
	case "asset":
		out = []interface{}{p.Asset()}
	case "name":
		out = []interface{}{p.Name()}
	case "symbol":
		out = []interface{}{p.Symbol()}
	case "agentId":
		out = []interface{}{p.AgentID()}
	case "remainingCapToday":
		out = []interface{}{p.RemainingCapToday()}
	case "dailyCap":
		out = []interface{}{p.DailyCap()}
	case "spentToday":
		out = []interface{}{p.SpentToday()}
	case "currentDay":
		out = []interface{}{new(big.Int).SetUint64(p.CurrentDay())}
	case "agentRevoked":
		out = []interface{}{p.AgentRevoked()}
	case "metadataURI":
		out = []interface{}{p.MetadataURI()}
	case "allowlistEnabled":
		out = []interface{}{p.AllowlistEnabled()}
	default:
		return nil, fmt.Errorf("vault: unsupported method %s", m.Name)
	}
	return m.Outputs.Pack(out...)
}
