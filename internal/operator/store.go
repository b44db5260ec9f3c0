package operator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no operator matches.
var ErrNotFound = errors.New("operator not found")

const columns = `id, name, api_key_hash, api_key_prefix, agent_id, owner, account, signer, encrypted_key, daily_limit, expires_at, rate_limit, created_at`

// Store provides database operations for operators.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new operator store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scan(row pgx.Row) (*Operator, error) {
	o := &Operator{}
	err := row.Scan(&o.ID, &o.Name, &o.APIKeyHash, &o.APIKeyPrefix, &o.AgentID,
		&o.Owner, &o.Account, &o.Signer, &o.EncryptedKey, &o.DailyLimit, &o.ExpiresAt, &o.RateLimit, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// Create inserts a new operator and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateOperatorInput) (*Operator, error) {
	o, err := scan(s.pool.QueryRow(ctx,
		`INSERT INTO operators (name, api_key_hash, api_key_prefix, agent_id, owner, account, signer, encrypted_key, daily_limit, expires_at, rate_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+columns,
		in.Name, in.APIKeyHash, in.APIKeyPrefix, in.AgentID, in.Owner, in.Account, in.Signer, in.EncryptedKey,
		in.DailyLimit, in.ExpiresAt, in.RateLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("creating operator: %w", err)
	}
	return o, nil
}

// GetByID retrieves an operator by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Operator, error) {
	o, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM operators WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting operator by id: %w", err)
	}
	return o, nil
}

// GetByKeyHash retrieves an operator by its API key hash, used for authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Operator, error) {
	o, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM operators WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("getting operator by key hash: %w", err)
	}
	return o, nil
}

// List returns a page of operators ordered by created_at DESC, id DESC using
// cursor-based pagination. It returns the operators, the next cursor (empty
// if no more results), and any error.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Operator, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+columns+`
			 FROM operators
			 WHERE (created_at, id) < ($1, $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`,
			cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+columns+`
			 FROM operators
			 ORDER BY created_at DESC, id DESC
			 LIMIT $1`,
			limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing operators: %w", err)
	}
	defer rows.Close()

	var ops []*Operator
	for rows.Next() {
		o, err := scan(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning operator row: %w", err)
		}
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating operator rows: %w", err)
	}

	var nextCursor string
	if len(ops) > limit {
		last := ops[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		ops = ops[:limit]
	}

	return ops, nextCursor, nil
}

// Update performs a partial update and returns the updated record.
func (s *Store) Update(ctx context.Context, id string, in UpdateOperatorInput) (*Operator, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *in.Name)
		argIdx++
	}
	if in.RateLimit != nil {
		setClauses = append(setClauses, fmt.Sprintf("rate_limit = $%d", argIdx))
		args = append(args, *in.RateLimit)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE operators SET %s WHERE id = $%d RETURNING `+columns,
		strings.Join(setClauses, ", "), argIdx,
	)

	o, err := scan(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("updating operator: %w", err)
	}
	return o, nil
}

// Delete removes an operator by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operators WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting operator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
