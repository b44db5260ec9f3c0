package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/alecgard/agentvault/internal/token"
	"github.com/alecgard/agentvault/internal/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	oracleAddr = common.HexToAddress("0x000000000000000000000000000000000000047a")
	poolOwner  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

type pools map[string]CapController

func (p pools) PoolFor(agentID *big.Int) (CapController, bool) {
	c, ok := p[agentID.String()]
	return c, ok
}

func e18(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), scoreUnit) }

func newPool(dailyCap int64) *vault.Pool {
	return vault.New(vault.Config{
		Address:  common.HexToAddress("0xb001"),
		Asset:    token.New(common.HexToAddress("0x5dc"), "USD Coin", "USDC", 6),
		Owner:    poolOwner,
		AgentID:  big.NewInt(7),
		Oracle:   oracleAddr,
		DailyCap: big.NewInt(dailyCap),
		Now:      func() uint64 { return 0 },
	})
}

func TestFirstRunSetsBaselineOnly(t *testing.T) {
	ctx := context.Background()
	rep := NewReputation()
	agent := big.NewInt(7)
	pool := newPool(100)
	o := New(oracleAddr, rep, pools{"7": pool}, NewMemoryStore(), Curve{CapPerPoint: big.NewInt(5), MinCap: big.NewInt(10), MaxCap: big.NewInt(1000)})

	rep.GiveFeedback(agent, "quality", 80, 0)
	res, err := o.CalculateScore(ctx, agent, []string{"quality"}, []int64{BasisPoints})
	require.NoError(t, err)
	assert.True(t, res.FirstRun)
	assert.Equal(t, e18(80), res.Score)
	assert.Equal(t, int64(100), pool.DailyCap().Int64())

	rep.GiveFeedback(agent, "quality", 100, 0)
	res, err = o.CalculateScore(ctx, agent, []string{"quality"}, []int64{BasisPoints})
	require.NoError(t, err)
	assert.False(t, res.FirstRun)
	assert.Equal(t, e18(10), res.Delta)
	assert.Equal(t, int64(150), res.NewCap.Int64())
	assert.Equal(t, int64(150), pool.DailyCap().Int64())

	// No new feedback: no delta, no change.
	res, err = o.CalculateScore(ctx, agent, []string{"quality"}, []int64{BasisPoints})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Delta.Int64())
	assert.Equal(t, int64(150), pool.DailyCap().Int64())
}

func TestNegativeWeightAndClamp(t *testing.T) {
	ctx := context.Background()
	rep := NewReputation()
	agent := big.NewInt(7)
	pool := newPool(100)
	o := New(oracleAddr, rep, pools{"7": pool}, NewMemoryStore(), Curve{CapPerPoint: big.NewInt(10), MinCap: big.NewInt(40), MaxCap: big.NewInt(1000)})

	tags := []string{"quality", "disputes"}
	weights := []int64{BasisPoints, -2 * BasisPoints}
	rep.GiveFeedback(agent, "quality", 50, 0)
	_, err := o.CalculateScore(ctx, agent, tags, weights)
	require.NoError(t, err)

	rep.GiveFeedback(agent, "disputes", 5, 0)
	res, err := o.CalculateScore(ctx, agent, tags, weights)
	require.NoError(t, err)
	assert.Equal(t, e18(40), res.Score)
	assert.Equal(t, e18(-10), res.Delta)
	assert.Equal(t, int64(40), pool.DailyCap().Int64())
}

func TestScoreDecimalsNormalized(t *testing.T) {
	rep := NewReputation()
	agent := big.NewInt(1)
	rep.GiveFeedback(agent, "uptime", 9950, 2)
	o := New(oracleAddr, rep, pools{}, NewMemoryStore(), Curve{CapPerPoint: big.NewInt(1)})
	score, err := o.Score(context.Background(), agent, []string{"uptime"}, []int64{5000})
	require.NoError(t, err)
	// 99.50 * 0.5
	want, _ := new(big.Int).SetString("49750000000000000000", 10)
	assert.Equal(t, want, score)
}

func TestScoreArgumentErrors(t *testing.T) {
	o := New(oracleAddr, NewReputation(), pools{}, NewMemoryStore(), Curve{})
	_, err := o.Score(context.Background(), big.NewInt(1), nil, nil)
	assert.ErrorIs(t, err, ErrNoTags)
	_, err = o.Score(context.Background(), big.NewInt(1), []string{"a"}, []int64{1, 2})
	assert.ErrorIs(t, err, ErrWeightMismatch)
}

func TestMissingPoolAfterBaseline(t *testing.T) {
	ctx := context.Background()
	rep := NewReputation()
	o := New(oracleAddr, rep, pools{}, NewMemoryStore(), Curve{CapPerPoint: big.NewInt(1)})
	_, err := o.CalculateScore(ctx, big.NewInt(3), []string{"q"}, []int64{1})
	require.NoError(t, err)
	_, err = o.CalculateScore(ctx, big.NewInt(3), []string{"q"}, []int64{1})
	assert.True(t, errors.Is(err, ErrNoPool))
}

func TestCurveApply(t *testing.T) {
	c := Curve{CapPerPoint: big.NewInt(100), MinCap: big.NewInt(0), MaxCap: big.NewInt(500)}
	assert.Equal(t, int64(300), c.Apply(big.NewInt(100), e18(2)).Int64())
	assert.Equal(t, int64(500), c.Apply(big.NewInt(100), e18(20)).Int64())
	assert.Equal(t, int64(0), c.Apply(big.NewInt(100), e18(-20)).Int64())
}
