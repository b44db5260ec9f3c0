package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemoryStore keeps baselines in memory.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Baseline
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]Baseline)}
}

func (s *MemoryStore) Get(_ context.Context, agentID *big.Int) (*Baseline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.m[agentID.String()]
	if !ok {
		return nil, false, nil
	}
	return &Baseline{AgentID: new(big.Int).Set(b.AgentID), Score: new(big.Int).Set(b.Score), UpdatedAt: b.UpdatedAt}, true, nil
}

func (s *MemoryStore) Put(_ context.Context, b Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[b.AgentID.String()] = Baseline{AgentID: new(big.Int).Set(b.AgentID), Score: new(big.Int).Set(b.Score), UpdatedAt: b.UpdatedAt}
	return nil
}

// PGStore keeps baselines in the oracle_baselines table. Big integers are
// stored as NUMERIC text.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a baseline store backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, agentID *big.Int) (*Baseline, bool, error) {
	var score string
	b := &Baseline{AgentID: new(big.Int).Set(agentID)}
	err := s.pool.QueryRow(ctx,
		`SELECT score::text, updated_at FROM oracle_baselines WHERE agent_id = $1::numeric`,
		agentID.String(),
	).Scan(&score, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting baseline: %w", err)
	}
	v, ok := new(big.Int).SetString(score, 10)
	if !ok {
		return nil, false, fmt.Errorf("parsing stored score %q", score)
	}
	b.Score = v
	return b, true, nil
}

func (s *PGStore) Put(ctx context.Context, b Baseline) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oracle_baselines (agent_id, score, updated_at)
		 VALUES ($1::numeric, $2::numeric, $3)
		 ON CONFLICT (agent_id) DO UPDATE SET score = EXCLUDED.score, updated_at = EXCLUDED.updated_at`,
		b.AgentID.String(), b.Score.String(), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing baseline: %w", err)
	}
	return nil
}
