package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/alecgard/agentvault/internal/oracle"
	"github.com/go-chi/chi/v5"
)

// OracleRunner recalculates an agent's score and moves its pool cap.
type OracleRunner interface {
	CalculateScore(ctx context.Context, agentID *big.Int, tags []string, weights []int64) (*oracle.Result, error)
}

// OracleMetrics is an optional recorder for oracle runs.
type OracleMetrics interface {
	ObserveOracleRun(result, agentID string, dailyCap float64)
}

// oracleHandler triggers score recalculation.
type oracleHandler struct {
	runner  OracleRunner
	tags    []string
	weights []int64
	metrics OracleMetrics
}

type runOracleRequest struct {
	Tags    []string `json:"tags"`
	Weights []int64  `json:"weights"`
}

// RunOracle handles POST /api/v1/admin/oracle/{agentID}. An empty body uses
// the configured tags and weights.
func (h *oracleHandler) RunOracle(w http.ResponseWriter, r *http.Request) {
	agentParam := chi.URLParam(r, "agentID")
	agentID, ok := new(big.Int).SetString(agentParam, 10)
	if !ok || agentID.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_params", "agent id must be a positive integer")
		return
	}

	req := runOracleRequest{Tags: h.tags, Weights: h.weights}
	if r.ContentLength > 0 {
		var body runOracleRequest
		if err := readJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
			return
		}
		if len(body.Tags) > 0 {
			req = body
		}
	}

	res, err := h.runner.CalculateScore(r.Context(), agentID, req.Tags, req.Weights)
	if err != nil {
		h.observe("error", agentParam, -1)
		switch {
		case errors.Is(err, oracle.ErrNoTags), errors.Is(err, oracle.ErrWeightMismatch):
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		case errors.Is(err, oracle.ErrNoPool):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "oracle run failed")
		}
		return
	}

	switch {
	case res.FirstRun:
		h.observe("baseline", agentParam, -1)
	case res.NewCap.Cmp(res.PreviousCap) != 0:
		capValue, _ := new(big.Float).SetInt(res.NewCap).Float64()
		h.observe("adjusted", agentParam, capValue)
	default:
		capValue, _ := new(big.Float).SetInt(res.NewCap).Float64()
		h.observe("unchanged", agentParam, capValue)
	}
	auditLog(r, "oracle_run", "agent", agentParam, "first_run", res.FirstRun, "delta", res.Delta.String())
	writeJSON(w, http.StatusOK, res)
}

func (h *oracleHandler) observe(result, agentID string, dailyCap float64) {
	if h.metrics != nil {
		h.metrics.ObserveOracleRun(result, agentID, dailyCap)
	}
}
