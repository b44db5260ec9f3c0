package relay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alecgard/agentvault/internal/userop"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// sponsorshipWindowLen is validUntil||validAfter, six bytes each.
const sponsorshipWindowLen = 12

func arg(params []json.RawMessage, i int, v any) error {
	if i >= len(params) {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("missing value for required argument %d", i)}
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid argument %d: %v", i, err)}
	}
	return nil
}

func (s *Server) chainID(context.Context, []json.RawMessage) (any, error) {
	return (*hexutil.Big)(s.chain.ChainID()), nil
}

func (s *Server) blockNumber(context.Context, []json.RawMessage) (any, error) {
	return hexutil.Uint64(s.chain.BlockNumber()), nil
}

func (s *Server) gasPrice(context.Context, []json.RawMessage) (any, error) {
	return (*hexutil.Big)(s.chain.GasPrice()), nil
}

func (s *Server) maxPriorityFee(context.Context, []json.RawMessage) (any, error) {
	return (*hexutil.Big)(s.chain.PriorityFee()), nil
}

func (s *Server) getBalance(_ context.Context, params []json.RawMessage) (any, error) {
	var addr common.Address
	if err := arg(params, 0, &addr); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(s.chain.BalanceOf(addr)), nil
}

func (s *Server) getCode(_ context.Context, params []json.RawMessage) (any, error) {
	var addr common.Address
	if err := arg(params, 0, &addr); err != nil {
		return nil, err
	}
	return hexutil.Bytes(s.chain.CodeAt(addr)), nil
}

func (s *Server) getTransactionCount(_ context.Context, params []json.RawMessage) (any, error) {
	var addr common.Address
	if err := arg(params, 0, &addr); err != nil {
		return nil, err
	}
	return hexutil.Uint64(s.chain.TxNonce(addr)), nil
}

type callArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Input hexutil.Bytes  `json:"input"`
}

func (a callArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

func (s *Server) call(_ context.Context, params []json.RawMessage) (any, error) {
	var a callArgs
	if err := arg(params, 0, &a); err != nil {
		return nil, err
	}
	out, err := s.chain.View(a.From, a.To, a.payload())
	if err != nil {
		return nil, &Error{Code: CodeExecutionFailure, Message: "execution reverted: " + err.Error()}
	}
	return hexutil.Bytes(out), nil
}

func (s *Server) estimateGas(_ context.Context, params []json.RawMessage) (any, error) {
	var a callArgs
	if err := arg(params, 0, &a); err != nil {
		return nil, err
	}
	return hexutil.Uint64(21_000 + 16*uint64(len(a.payload()))), nil
}

func (s *Server) sendRawTransaction(_ context.Context, params []json.RawMessage) (any, error) {
	var raw hexutil.Bytes
	if err := arg(params, 0, &raw); err != nil {
		return nil, err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "decoding transaction: " + err.Error()}
	}
	hash, err := s.chain.ApplyTransaction(tx)
	if err != nil {
		return nil, err
	}
	return hash, nil
}

func (s *Server) getTransactionReceipt(_ context.Context, params []json.RawMessage) (any, error) {
	var hash common.Hash
	if err := arg(params, 0, &hash); err != nil {
		return nil, err
	}
	rec, ok := s.chain.Transaction(hash)
	if !ok {
		return nil, nil
	}
	return &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            rec.Status,
		CumulativeGasUsed: 21_000,
		Logs:              []*types.Log{},
		TxHash:            rec.Hash,
		GasUsed:           21_000,
		EffectiveGasPrice: s.chain.GasPrice(),
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(rec.Block)),
		BlockNumber:       new(big.Int).SetUint64(rec.Block),
	}, nil
}

func (s *Server) supportedEntryPoints(context.Context, []json.RawMessage) (any, error) {
	return []common.Address{s.chain.EntryPoint()}, nil
}

// userOpArgs decodes [userOp, entryPoint] and checks the entry point.
func (s *Server) userOpArgs(params []json.RawMessage) (*userop.UserOperation, error) {
	var ep common.Address
	if err := arg(params, 1, &ep); err != nil {
		return nil, err
	}
	if ep != s.chain.EntryPoint() {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("unsupported entry point %s", ep.Hex())}
	}
	if len(params) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "missing user operation"}
	}
	op, err := s.chain.Codec().UnmarshalRPC(params[0])
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	if op.Nonce == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "user operation has no nonce"}
	}
	return op, nil
}

func (s *Server) estimateUserOperationGas(_ context.Context, params []json.RawMessage) (any, error) {
	op, err := s.userOpArgs(params)
	if err != nil {
		return nil, err
	}
	est, err := s.chain.EstimateGas(op)
	if err != nil {
		return nil, err
	}
	return est, nil
}

func (s *Server) sendUserOperation(_ context.Context, params []json.RawMessage) (any, error) {
	op, err := s.userOpArgs(params)
	if err != nil {
		return nil, err
	}
	if op.HasPaymaster() && op.Paymaster == s.cfg.Paymaster {
		if err := s.checkSponsorshipWindow(op.PaymasterData); err != nil {
			return nil, err
		}
	}
	if err := s.chain.CheckOp(op); err != nil {
		return nil, err
	}
	hash := s.chain.UserOpHash(op)
	if err := s.enqueue(op, hash); err != nil {
		return nil, err
	}
	slog.Info("user operation accepted", "user_op_hash", hash.Hex(), "sender", op.Sender.Hex(), "sponsored", op.HasPaymaster())
	return hash, nil
}

func (s *Server) getUserOperationReceipt(_ context.Context, params []json.RawMessage) (any, error) {
	var hash common.Hash
	if err := arg(params, 0, &hash); err != nil {
		return nil, err
	}
	r, ok := s.chain.Receipt(hash)
	if !ok {
		return nil, nil
	}
	return r, nil
}

func (s *Server) sponsorUserOperation(_ context.Context, params []json.RawMessage) (any, error) {
	if s.cfg.Paymaster == (common.Address{}) {
		return nil, &Error{Code: CodeMethodNotFound, Message: "sponsorship is not enabled on this relay"}
	}
	op, err := s.userOpArgs(params)
	if err != nil {
		return nil, err
	}
	op.Paymaster = s.cfg.Paymaster
	op.PaymasterData = s.sponsorshipWindow()
	est, err := s.chain.EstimateGas(op)
	if err != nil {
		return nil, err
	}
	est.Apply(op)
	if op.MaxFeePerGas == nil || op.MaxFeePerGas.Sign() == 0 {
		op.MaxFeePerGas = s.chain.GasPrice()
	}
	if s.chain.DepositOf(s.cfg.Paymaster).Cmp(op.RequiredPrefund()) < 0 {
		return nil, &Error{Code: CodeRejectedByPM, Message: "paymaster deposit too low"}
	}

	sp := userop.Sponsorship{
		PreVerificationGas:   est.PreVerificationGas,
		VerificationGasLimit: est.VerificationGasLimit,
		CallGasLimit:         est.CallGasLimit,
	}
	if s.chain.Version() == userop.V06 {
		sp.PaymasterAndData = s.chain.Codec().PaymasterAndData(op)
	} else {
		pm := s.cfg.Paymaster
		sp.Paymaster = &pm
		sp.PaymasterData = op.PaymasterData
		sp.PaymasterVerificationGasLimit = est.PaymasterVerificationGasLimit
		sp.PaymasterPostOpGasLimit = est.PaymasterPostOpGasLimit
	}
	return sp, nil
}

// sponsorshipWindow encodes validUntil and validAfter as six-byte big-endian
// timestamps.
func (s *Server) sponsorshipWindow() []byte {
	now := s.chain.Now()
	until := now + uint64(s.cfg.SponsorshipTTL/time.Second)
	out := make([]byte, sponsorshipWindowLen)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], until)
	copy(out[0:6], buf[2:])
	binary.BigEndian.PutUint64(buf[:], now)
	copy(out[6:12], buf[2:])
	return out
}

func (s *Server) checkSponsorshipWindow(data []byte) error {
	if len(data) < sponsorshipWindowLen {
		return &Error{Code: CodeRejectedByPM, Message: "paymaster data has no validity window"}
	}
	var buf [8]byte
	copy(buf[2:], data[0:6])
	until := binary.BigEndian.Uint64(buf[:])
	copy(buf[2:], data[6:12])
	after := binary.BigEndian.Uint64(buf[:])
	now := s.chain.Now()
	if now > until || now < after {
		return &Error{Code: CodeExpiredSponsor, Message: fmt.Sprintf("sponsorship valid from %d until %d, now %d", after, until, now)}
	}
	return nil
}
