package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GasEstimate is the result of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// Apply copies the estimate onto op.
func (g GasEstimate) Apply(op *UserOperation) {
	op.PreVerificationGas = bi(g.PreVerificationGas)
	op.VerificationGasLimit = bi(g.VerificationGasLimit)
	op.CallGasLimit = bi(g.CallGasLimit)
	if g.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = bi(g.PaymasterVerificationGasLimit)
	}
	if g.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = bi(g.PaymasterPostOpGasLimit)
	}
}

// Sponsorship is the result of pm_sponsorUserOperation. A v0.7 paymaster
// fills the split fields; a v0.6 paymaster fills PaymasterAndData.
type Sponsorship struct {
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterAndData              hexutil.Bytes   `json:"paymasterAndData,omitempty"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
}

// Apply copies the paymaster fields and gas limits onto op.
func (s Sponsorship) Apply(op *UserOperation) error {
	switch {
	case s.Paymaster != nil:
		op.Paymaster = *s.Paymaster
		op.PaymasterData = common.CopyBytes(s.PaymasterData)
		op.PaymasterVerificationGasLimit = bi(s.PaymasterVerificationGasLimit)
		op.PaymasterPostOpGasLimit = bi(s.PaymasterPostOpGasLimit)
	case len(s.PaymasterAndData) > 0:
		if err := op.SetPaymasterAndData(s.PaymasterAndData); err != nil {
			return err
		}
	}
	op.PreVerificationGas = bi(s.PreVerificationGas)
	op.VerificationGasLimit = bi(s.VerificationGasLimit)
	op.CallGasLimit = bi(s.CallGasLimit)
	return nil
}

// TxReceipt is the bundle transaction part of a user operation receipt.
type TxReceipt struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
	BlockHash       common.Hash  `json:"blockHash"`
	GasUsed         *hexutil.Big `json:"gasUsed"`
	Status          hexutil.Uint `json:"status"`
}

// Receipt is the result of eth_getUserOperationReceipt.
type Receipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	EntryPoint    common.Address  `json:"entryPoint"`
	Sender        common.Address  `json:"sender"`
	Nonce         *hexutil.Big    `json:"nonce"`
	Paymaster     *common.Address `json:"paymaster,omitempty"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	Receipt       TxReceipt       `json:"receipt"`
}

// BigToHex wraps v for JSON.
func BigToHex(v *big.Int) *hexutil.Big { return hb(v) }
