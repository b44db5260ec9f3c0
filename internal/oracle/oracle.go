// Package oracle turns tagged reputation feedback into a score and moves the
// agent pool's daily cap by the change in score since the last run.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ScoreDecimals is the fixed-point precision of scores.
const ScoreDecimals = 18

// BasisPoints is the weight denominator.
const BasisPoints = 10_000

var (
	ErrNoTags         = errors.New("no tags given")
	ErrWeightMismatch = errors.New("tags and weights differ in length")
	ErrNoPool         = errors.New("no pool bound to agent")
)

var scoreUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(ScoreDecimals), nil)

// Summary is the aggregate feedback for one (agent, tag).
type Summary struct {
	Count    uint64
	Value    *big.Int
	Decimals uint8
}

// ReputationReader reads aggregated feedback from the reputation registry.
type ReputationReader interface {
	GetSummary(ctx context.Context, agentID *big.Int, tag string) (Summary, error)
}

// CapController is the pool surface the oracle drives.
type CapController interface {
	DailyCap() *big.Int
	SetDailyCap(caller common.Address, newCap *big.Int) error
}

// PoolResolver finds the pool bound to an agent.
type PoolResolver interface {
	PoolFor(agentID *big.Int) (CapController, bool)
}

// Baseline is the score recorded at the previous run.
type Baseline struct {
	AgentID   *big.Int
	Score     *big.Int
	UpdatedAt time.Time
}

// BaselineStore persists baselines between runs.
type BaselineStore interface {
	Get(ctx context.Context, agentID *big.Int) (*Baseline, bool, error)
	Put(ctx context.Context, b Baseline) error
}

// Curve maps a score delta to a cap change:
// newCap = clamp(cap + delta*CapPerPoint/1e18, MinCap, MaxCap).
type Curve struct {
	CapPerPoint *big.Int
	MinCap      *big.Int
	MaxCap      *big.Int
}

// Apply returns the cap after moving it by delta score points.
func (c Curve) Apply(current, delta *big.Int) *big.Int {
	step := new(big.Int)
	if c.CapPerPoint != nil {
		step.Mul(delta, c.CapPerPoint)
	}
	step.Quo(step, scoreUnit)
	next := new(big.Int).Add(current, step)
	if c.MinCap != nil && next.Cmp(c.MinCap) < 0 {
		next.Set(c.MinCap)
	}
	if c.MaxCap != nil && c.MaxCap.Sign() > 0 && next.Cmp(c.MaxCap) > 0 {
		next.Set(c.MaxCap)
	}
	if next.Sign() < 0 {
		next.SetUint64(0)
	}
	return next
}

// Result describes one oracle run.
type Result struct {
	AgentID     *big.Int `json:"agent_id"`
	Score       *big.Int `json:"score"`
	Baseline    *big.Int `json:"baseline"`
	Delta       *big.Int `json:"delta"`
	PreviousCap *big.Int `json:"previous_cap,omitempty"`
	NewCap      *big.Int `json:"new_cap,omitempty"`
	FirstRun    bool     `json:"first_run"`
}

// Oracle is the score oracle. Its address is the caller it presents to pools.
type Oracle struct {
	address common.Address
	reader  ReputationReader
	pools   PoolResolver
	store   BaselineStore
	curve   Curve
	now     func() time.Time

	mu sync.Mutex
}

// New creates an oracle.
func New(address common.Address, reader ReputationReader, pools PoolResolver, store BaselineStore, curve Curve) *Oracle {
	return &Oracle{
		address: address,
		reader:  reader,
		pools:   pools,
		store:   store,
		curve:   curve,
		now:     time.Now,
	}
}

func (o *Oracle) Address() common.Address { return o.address }

// Score combines per-tag feedback with signed basis-point weights into an
// 18-decimal score.
func (o *Oracle) Score(ctx context.Context, agentID *big.Int, tags []string, weights []int64) (*big.Int, error) {
	if len(tags) == 0 {
		return nil, ErrNoTags
	}
	if len(tags) != len(weights) {
		return nil, ErrWeightMismatch
	}
	score := new(big.Int)
	for i, tag := range tags {
		s, err := o.reader.GetSummary(ctx, agentID, tag)
		if err != nil {
			return nil, fmt.Errorf("reading %q feedback: %w", tag, err)
		}
		if s.Count == 0 || s.Value == nil {
			continue
		}
		term := normalize(s.Value, s.Decimals)
		term.Mul(term, big.NewInt(weights[i]))
		score.Add(score, term)
	}
	return score.Quo(score, big.NewInt(BasisPoints)), nil
}

// CalculateScore scores the agent and compares with its baseline. The first
// run only records the baseline; later runs move the pool cap by the delta
// and advance the baseline.
func (o *Oracle) CalculateScore(ctx context.Context, agentID *big.Int, tags []string, weights []int64) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	score, err := o.Score(ctx, agentID, tags, weights)
	if err != nil {
		return nil, err
	}
	prev, ok, err := o.store.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("loading baseline: %w", err)
	}
	res := &Result{AgentID: new(big.Int).Set(agentID), Score: score}
	if !ok {
		res.FirstRun = true
		res.Baseline = new(big.Int).Set(score)
		res.Delta = new(big.Int)
		if err := o.store.Put(ctx, Baseline{AgentID: agentID, Score: score, UpdatedAt: o.now()}); err != nil {
			return nil, fmt.Errorf("storing baseline: %w", err)
		}
		return res, nil
	}

	pool, found := o.pools.PoolFor(agentID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoPool, agentID)
	}
	res.Baseline = prev.Score
	res.Delta = new(big.Int).Sub(score, prev.Score)
	res.PreviousCap = pool.DailyCap()
	res.NewCap = o.curve.Apply(res.PreviousCap, res.Delta)
	if res.NewCap.Cmp(res.PreviousCap) != 0 {
		if err := pool.SetDailyCap(o.address, res.NewCap); err != nil {
			return nil, fmt.Errorf("setting daily cap: %w", err)
		}
	}
	if err := o.store.Put(ctx, Baseline{AgentID: agentID, Score: score, UpdatedAt: o.now()}); err != nil {
		return nil, fmt.Errorf("storing baseline: %w", err)
	}
	return res, nil
}

func normalize(v *big.Int, decimals uint8) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case decimals < ScoreDecimals:
		return out.Mul(out, pow10(ScoreDecimals-int(decimals)))
	case decimals > ScoreDecimals:
		return out.Quo(out, pow10(int(decimals)-ScoreDecimals))
	}
	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
