package oracle

import (
	"context"
	"math/big"
	"sync"
)

// Reputation is an in-process reputation registry holding signed feedback
// per (agent, tag). Summaries report the mean value.
type Reputation struct {
	mu      sync.RWMutex
	entries map[string]*tally
}

type tally struct {
	count    uint64
	sum      *big.Int
	decimals uint8
}

// NewReputation returns an empty registry.
func NewReputation() *Reputation {
	return &Reputation{entries: make(map[string]*tally)}
}

func key(agentID *big.Int, tag string) string { return agentID.String() + "/" + tag }

// GiveFeedback records one value. Values with other decimals are rescaled to
// the precision of the first feedback for the tag.
func (r *Reputation) GiveFeedback(agentID *big.Int, tag string, value int64, decimals uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(agentID, tag)
	t, ok := r.entries[k]
	if !ok {
		t = &tally{sum: new(big.Int), decimals: decimals}
		r.entries[k] = t
	}
	v := big.NewInt(value)
	switch {
	case decimals < t.decimals:
		v.Mul(v, pow10(int(t.decimals-decimals)))
	case decimals > t.decimals:
		v.Quo(v, pow10(int(decimals-t.decimals)))
	}
	t.count++
	t.sum.Add(t.sum, v)
}

// GetSummary implements ReputationReader.
func (r *Reputation) GetSummary(_ context.Context, agentID *big.Int, tag string) (Summary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[key(agentID, tag)]
	if !ok || t.count == 0 {
		return Summary{Value: new(big.Int)}, nil
	}
	mean := new(big.Int).Quo(t.sum, new(big.Int).SetUint64(t.count))
	return Summary{Count: t.count, Value: mean, Decimals: t.decimals}, nil
}
