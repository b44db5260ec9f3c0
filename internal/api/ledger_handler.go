package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/agentvault/internal/auth"
	"github.com/alecgard/agentvault/internal/ledger"
)

// LedgerReader queries recorded instructions.
type LedgerReader interface {
	GetSummary(ctx context.Context, q ledger.Query) (*ledger.Summary, error)
	List(ctx context.Context, q ledger.Query) ([]*ledger.Record, string, error)
}

// ledgerHandler serves instruction history and summaries.
type ledgerHandler struct {
	store LedgerReader
}

func newLedgerHandler(store LedgerReader) *ledgerHandler {
	return &ledgerHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildLedgerQuery reads filters from the query string. Operators are pinned
// to their own records; admins may filter by operator_id and agent_id.
func buildLedgerQuery(r *http.Request, isAdmin bool) (ledger.Query, error) {
	params := r.URL.Query()
	q := ledger.Query{
		Outcome: params.Get("outcome"),
		Cursor:  params.Get("cursor"),
	}

	if isAdmin {
		q.OperatorID = params.Get("operator_id")
		q.AgentID = params.Get("agent_id")
	} else if op := auth.OperatorFromContext(r.Context()); op != nil {
		q.OperatorID = op.ID
	}

	switch q.Outcome {
	case "", ledger.OutcomeApproved, ledger.OutcomeRejected, ledger.OutcomeTimeout, ledger.OutcomeRelayError:
	default:
		return q, errors.New("unknown outcome")
	}

	var err error
	if q.From, err = parseTimeParam(params.Get("from")); err != nil {
		return q, errors.New("invalid 'from' parameter")
	}
	if q.To, err = parseTimeParam(params.Get("to")); err != nil {
		return q, errors.New("invalid 'to' parameter")
	}

	if limitStr := params.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 || l > 500 {
			return q, errors.New("limit must be between 1 and 500")
		}
		q.Limit = l
	}
	return q, nil
}

// List handles GET /api/v1/ledger and GET /api/v1/admin/ledger.
func (h *ledgerHandler) List(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildLedgerQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	recs, next, err := h.store.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list ledger records")
		return
	}
	if recs == nil {
		recs = []*ledger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records":     recs,
		"next_cursor": next,
	})
}

// Summary handles GET /api/v1/ledger/summary and GET /api/v1/admin/ledger/summary.
func (h *ledgerHandler) Summary(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildLedgerQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return
	}
	summary, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get ledger summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
