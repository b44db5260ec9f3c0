package account

import (
	"fmt"
	"math/big"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/policy"
	"github.com/alecgard/agentvault/internal/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ValidateUserOp is the entry-point callback. It returns the validation-data
// sentinel; policy and signature failures are never errors. The error return
// is reserved for calls that must revert, such as a caller other than the
// entry point.
func (a *Account) ValidateUserOp(caller common.Address, callData, signature []byte, userOpHash common.Hash) (uint64, error) {
	if caller != a.entryPoint {
		return policy.SigValidationFailed, ErrNotEntryPoint
	}
	return a.Validate(callData, signature, userOpHash).ValidationData(), nil
}

// Validate runs every authorization check for one instruction. On approval
// the spend is recorded; on rejection no state changes.
func (a *Account) Validate(callData, signature []byte, userOpHash common.Hash) policy.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return policy.Reject(ErrNotInitialized)
	}

	targets, values, datas, err := abis.DecodeExecute(callData)
	if err != nil {
		return policy.Reject(fmt.Errorf("decoding instruction: %w", err))
	}
	if len(targets) != len(values) || len(targets) != len(datas) {
		return policy.Reject(ErrBatchLengthMismatch)
	}

	now := a.now()
	spend := a.spend.Clone()
	policy.ResetDailyIfNeeded(&spend, now)

	if err := policy.ValidateExpiry(a.policy, now); err != nil {
		return policy.Reject(err)
	}

	sig, proofs, err := splitSignature(signature)
	if err != nil {
		return policy.Reject(err)
	}

	total := new(big.Int)
	for i, target := range targets {
		if values[i] != nil {
			total.Add(total, values[i])
		}
		ext, err := a.authorizeCallLocked(target, datas[i], proofAt(proofs, i))
		if err != nil {
			return policy.Reject(err)
		}
		for _, tok := range ext.Tokens {
			if !a.tokenAllowedLocked(tok) {
				return policy.Reject(&policy.TokenNotAllowedError{Token: tok})
			}
		}
		if ext.Amount != nil {
			total.Add(total, ext.Amount)
		}
	}

	if err := policy.ValidateApproval(a.policy, total); err != nil {
		return policy.Reject(err)
	}
	if err := policy.ValidateDailyLimit(a.policy, spend, total, now); err != nil {
		return policy.Reject(err)
	}

	signer, err := recoverSigner(userOpHash, sig)
	if err != nil || signer != a.operator {
		return policy.Reject(ErrInvalidSignature)
	}

	policy.RecordSpend(&spend, total, now)
	a.spend = spend
	return policy.Approve()
}

// authorizeCallLocked accepts target through the allow-list or, failing
// that, through its execution schema and a Merkle proof.
func (a *Account) authorizeCallLocked(target common.Address, data []byte, proof []common.Hash) (schema.Extraction, error) {
	if a.targetAllowedLocked(target) {
		// Token calls on the simple path still move value.
		if ext, err := (schema.ERC20{}).Extract(target, data); err == nil {
			return ext, nil
		}
		return schema.Extraction{}, nil
	}

	builder, ok := a.schemas[target]
	if !ok {
		return schema.Extraction{}, &policy.TargetNotAllowedError{Target: target}
	}
	ext, err := builder.Extract(target, data)
	if err != nil {
		return schema.Extraction{}, fmt.Errorf("decoding call to %s with %s schema: %w", target.Hex(), builder.Name(), err)
	}
	leaf := schema.Leaf(target, ext)
	if a.actionsRoot == (common.Hash{}) || !a.verifier.Verify(a.actionsRoot, leaf, proof) {
		return schema.Extraction{}, &ProofInvalidError{Target: target, Leaf: leaf}
	}
	return ext, nil
}

// splitSignature separates a bare ECDSA signature from a proof bundle.
func splitSignature(signature []byte) ([]byte, [][]common.Hash, error) {
	if len(signature) == crypto.SignatureLength {
		return signature, nil, nil
	}
	sig, proofs, err := abis.DecodeSignatureBundle(signature)
	if err != nil {
		return nil, nil, ErrInvalidSignature
	}
	return sig, proofs, nil
}

func proofAt(proofs [][]common.Hash, i int) []common.Hash {
	if i < len(proofs) {
		return proofs[i]
	}
	return nil
}
