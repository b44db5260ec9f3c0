package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the instruction ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes records in a single multi-row INSERT. It is a no-op when
// recs is empty.
func (s *Store) BatchInsert(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 12 // number of columns per row (excluding server-generated id)
	args := make([]any, 0, len(recs)*cols)
	rows := make([]string, 0, len(recs))

	for i, r := range recs {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")
		gasCost := r.GasCost
		if gasCost == "" {
			gasCost = "0"
		}
		args = append(args,
			r.OperatorID,
			r.AgentID,
			r.Account,
			r.Kind,
			r.Timestamp,
			r.UserOpHash,
			r.TxHash,
			r.Outcome,
			r.Reason,
			r.Sponsored,
			gasCost,
			r.LatencyMs,
		)
	}

	query := `INSERT INTO instructions
		(operator_id, agent_id, account, kind, timestamp, user_op_hash, tx_hash,
		 outcome, reason, sponsored, gas_cost, latency_ms)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting instructions: %w", err)
	}
	return nil
}

// GetSummary returns aggregate counts matching the query filters.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN outcome = 'approved' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = 'rejected' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = 'timeout' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = 'relay_error' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN sponsored THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(latency_ms), 0)
	FROM instructions` + where

	var sum Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sum.Total,
		&sum.Approved,
		&sum.Rejected,
		&sum.TimedOut,
		&sum.RelayErrors,
		&sum.Sponsored,
		&sum.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying ledger summary: %w", err)
	}
	return &sum, nil
}

// List returns a page of records ordered by timestamp DESC, id DESC, and the
// next cursor (empty when there are no more results).
func (s *Store) List(ctx context.Context, q Query) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, operator_id, agent_id, account, kind, timestamp, user_op_hash,
		tx_hash, outcome, reason, sponsored, gas_cost, latency_ms
	FROM instructions` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing instructions: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.OperatorID, &r.AgentID, &r.Account, &r.Kind, &r.Timestamp,
			&r.UserOpHash, &r.TxHash, &r.Outcome, &r.Reason, &r.Sponsored, &r.GasCost, &r.LatencyMs,
		); err != nil {
			return nil, "", fmt.Errorf("scanning instruction row: %w", err)
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating instruction rows: %w", err)
	}

	var nextCursor string
	if len(recs) > limit {
		last := recs[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		recs = recs[:limit]
	}
	return recs, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if q.OperatorID != "" {
		add("operator_id = $%d", q.OperatorID)
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.Outcome != "" {
		add("outcome = $%d", q.Outcome)
	}
	if !q.From.IsZero() {
		add("timestamp >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("timestamp <= $%d", q.To)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
