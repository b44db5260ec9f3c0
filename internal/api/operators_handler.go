package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/agentvault/internal/operator"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
)

// OperatorStore is the operator persistence the API needs.
type OperatorStore interface {
	GetByID(ctx context.Context, id string) (*operator.Operator, error)
	List(ctx context.Context, params operator.ListParams) ([]*operator.Operator, string, error)
	Update(ctx context.Context, id string, in operator.UpdateOperatorInput) (*operator.Operator, error)
	Delete(ctx context.Context, id string) error
}

// Registerer creates operators.
type Registerer interface {
	Register(ctx context.Context, in operator.RegisterInput) (*operator.Registration, error)
}

// operatorsHandler groups the admin operator endpoints.
type operatorsHandler struct {
	store     OperatorStore
	registrar Registerer
}

func newOperatorsHandler(store OperatorStore, registrar Registerer) *operatorsHandler {
	return &operatorsHandler{store: store, registrar: registrar}
}

// createOperatorRequest is the JSON body for creating an operator.
type createOperatorRequest struct {
	Name       string         `json:"name"`
	AgentID    string         `json:"agent_id"`
	Owner      common.Address `json:"owner"`
	RateLimit  int            `json:"rate_limit"`
	DailyLimit string         `json:"daily_limit"`
	ExpiresAt  time.Time      `json:"expires_at"`
	// PrivateKey imports an existing signing key (hex). Empty generates one.
	PrivateKey string `json:"private_key,omitempty"`
}

// CreateOperator handles POST /api/v1/admin/operators.
// The plaintext API key is only returned here.
func (h *operatorsHandler) CreateOperator(w http.ResponseWriter, r *http.Request) {
	var req createOperatorRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.RateLimit < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "rate_limit must not be negative")
		return
	}

	in := operator.RegisterInput{
		Name:      req.Name,
		Owner:     req.Owner,
		RateLimit: req.RateLimit,
		ExpiresAt: req.ExpiresAt,
	}
	if id, ok := new(big.Int).SetString(req.AgentID, 10); ok {
		in.AgentID = id
	}
	if limit, err := parseAmount(req.DailyLimit); err == nil {
		in.DailyLimit = limit
	}
	if req.PrivateKey != "" {
		key, err := ethcrypto.HexToECDSA(trimHexPrefix(req.PrivateKey))
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "private_key is not a valid secp256k1 key")
			return
		}
		in.Key = key
	}

	reg, err := h.registrar.Register(r.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, operator.ErrMissingName), errors.Is(err, operator.ErrMissingAgent),
			errors.Is(err, operator.ErrMissingOwner), errors.Is(err, operator.ErrMissingLimit),
			errors.Is(err, operator.ErrExpired):
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to register operator")
		}
		return
	}

	auditLog(r, "create", "operator", reg.Operator.ID, "name", reg.Operator.Name, "account", reg.Operator.Account)
	writeJSON(w, http.StatusCreated, reg)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// ListOperators handles GET /api/v1/admin/operators.
func (h *operatorsHandler) ListOperators(w http.ResponseWriter, r *http.Request) {
	params := operator.ListParams{Cursor: r.URL.Query().Get("cursor")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be a positive integer")
			return
		}
		params.Limit = limit
	}

	ops, next, err := h.store.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list operators")
		return
	}
	if ops == nil {
		ops = []*operator.Operator{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operators":   ops,
		"next_cursor": next,
	})
}

// GetOperator handles GET /api/v1/admin/operators/{id}.
func (h *operatorsHandler) GetOperator(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "failed to get operator")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// UpdateOperator handles PUT /api/v1/admin/operators/{id}.
func (h *operatorsHandler) UpdateOperator(w http.ResponseWriter, r *http.Request) {
	var in operator.UpdateOperatorInput
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if in.Name != nil && *in.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name must not be empty")
		return
	}
	if in.RateLimit != nil && *in.RateLimit < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "rate_limit must not be negative")
		return
	}

	id := chi.URLParam(r, "id")
	o, err := h.store.Update(r.Context(), id, in)
	if err != nil {
		writeStoreError(w, err, "failed to update operator")
		return
	}
	auditLog(r, "update", "operator", id)
	writeJSON(w, http.StatusOK, o)
}

// DeleteOperator handles DELETE /api/v1/admin/operators/{id}.
func (h *operatorsHandler) DeleteOperator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err, "failed to delete operator")
		return
	}
	auditLog(r, "delete", "operator", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, operator.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "operator not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", message)
}
