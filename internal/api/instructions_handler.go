package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/alecgard/agentvault/internal/abis"
	"github.com/alecgard/agentvault/internal/auth"
	"github.com/alecgard/agentvault/internal/instruction"
	"github.com/alecgard/agentvault/internal/ledger"
	"github.com/alecgard/agentvault/internal/operator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Executor sends instructions for an operator.
type Executor interface {
	Execute(ctx context.Context, o *operator.Operator, kind string, calls []abis.Call, proofs [][]common.Hash) (*instruction.Result, error)
}

// instructionsHandler groups the operator-facing send endpoints.
type instructionsHandler struct {
	operators OperatorStore
	exec      Executor
}

func newInstructionsHandler(operators OperatorStore, exec Executor) *instructionsHandler {
	return &instructionsHandler{operators: operators, exec: exec}
}

type callRequest struct {
	Target common.Address `json:"target"`
	Value  string         `json:"value"`
	Data   hexutil.Bytes  `json:"data"`
}

// instructionRequest is the JSON body for POST /api/v1/instructions.
type instructionRequest struct {
	Calls  []callRequest   `json:"calls"`
	Proofs [][]common.Hash `json:"proofs"`
}

type paymentRequest struct {
	Token  common.Address `json:"token"` // zero for native value
	To     common.Address `json:"to"`
	Amount string         `json:"amount"`
}

type pullRequest struct {
	Pool   common.Address `json:"pool"`
	To     common.Address `json:"to"` // defaults to the operator's account
	Assets string         `json:"assets"`
}

// parseAmount accepts decimal or 0x-prefixed hex. Empty means zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

// self loads the full record for the authenticated operator.
func (h *instructionsHandler) self(w http.ResponseWriter, r *http.Request) *operator.Operator {
	op := auth.OperatorFromContext(r.Context())
	if op == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "operator not authenticated")
		return nil
	}
	o, err := h.operators.GetByID(r.Context(), op.ID)
	if err != nil {
		if errors.Is(err, operator.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "operator no longer registered")
			return nil
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load operator")
		return nil
	}
	return o
}

// GetAccount handles GET /api/v1/account.
func (h *instructionsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	o := h.self(w, r)
	if o == nil {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// SendInstruction handles POST /api/v1/instructions.
func (h *instructionsHandler) SendInstruction(w http.ResponseWriter, r *http.Request) {
	var req instructionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "at least one call is required")
		return
	}
	if len(req.Proofs) > 0 && len(req.Proofs) != len(req.Calls) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "proofs must be given for every call or none")
		return
	}
	calls := make([]abis.Call, len(req.Calls))
	for i, c := range req.Calls {
		value, err := parseAmount(c.Value)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", fmt.Sprintf("call %d: %v", i, err))
			return
		}
		calls[i] = abis.Call{Target: c.Target, Value: value, Data: c.Data}
	}
	h.send(w, r, ledger.KindInstruction, calls, req.Proofs)
}

// SendPayment handles POST /api/v1/payments.
func (h *instructionsHandler) SendPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil || amount.Sign() == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "amount must be a positive integer")
		return
	}
	if req.To == (common.Address{}) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "to is required")
		return
	}

	var call abis.Call
	if req.Token == (common.Address{}) {
		call = instruction.Native(req.To, amount)
	} else if call, err = instruction.Transfer(req.Token, req.To, amount); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode transfer")
		return
	}
	h.send(w, r, ledger.KindPayment, []abis.Call{call}, nil)
}

// SendPull handles POST /api/v1/pulls.
func (h *instructionsHandler) SendPull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	assets, err := parseAmount(req.Assets)
	if err != nil || assets.Sign() == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "assets must be a positive integer")
		return
	}
	if req.Pool == (common.Address{}) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "pool is required")
		return
	}
	op := auth.OperatorFromContext(r.Context())
	if req.To == (common.Address{}) && op != nil {
		req.To = common.HexToAddress(op.Account)
	}
	call, err := instruction.Pull(req.Pool, req.To, assets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode pull")
		return
	}
	h.send(w, r, ledger.KindPull, []abis.Call{call}, nil)
}

func (h *instructionsHandler) send(w http.ResponseWriter, r *http.Request, kind string, calls []abis.Call, proofs [][]common.Hash) {
	o := h.self(w, r)
	if o == nil {
		return
	}
	res, err := h.exec.Execute(r.Context(), o, kind, calls, proofs)
	if err != nil {
		writeSendError(w, err)
		return
	}
	auditLog(r, "send", kind, res.UserOpHash.Hex(), "transaction_hash", res.TransactionHash.Hex())
	writeJSON(w, http.StatusOK, res)
}

// writeSendError maps the client's error classes onto HTTP statuses.
func writeSendError(w http.ResponseWriter, err error) {
	var (
		rejected *instruction.RejectedError
		timeout  *instruction.TimeoutError
		relayErr *instruction.RelayError
	)
	switch {
	case errors.As(err, &rejected):
		writeError(w, http.StatusUnprocessableEntity, "instruction_rejected", rejected.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, "receipt_timeout", timeout.Error())
	case errors.As(err, &relayErr):
		writeError(w, http.StatusBadGateway, "relay_error", relayErr.Error())
	case errors.Is(err, instruction.ErrNoCalls):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case errors.Is(err, operator.ErrBadPolicy):
		writeError(w, http.StatusConflict, "operator_misconfigured", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to send instruction")
	}
}
