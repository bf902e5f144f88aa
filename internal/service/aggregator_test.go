package service

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/gradient/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

func TestWeightPolicy_Weight(t *testing.T) {
	p := DefaultWeightPolicy()

	tests := []struct {
		reputation float64
		want       float64
	}{
		{0, 1},
		{50, 1},
		{100, 1},
		{150, 1.5},
		{800, 8},
	}
	for _, tt := range tests {
		got, err := p.Weight(tt.reputation)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-12, "reputation %v", tt.reputation)
	}

	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := p.Weight(bad)
		assert.ErrorIs(t, err, core.ErrInvalidWeight, "reputation %v", bad)
	}
}

func TestVoteAggregator_WeightedGradient(t *testing.T) {
	ctx := context.Background()
	agg := NewVoteAggregator(state.NewMemoryStore(), newManualClock(), nil)

	_, err := agg.CastVote(ctx, "c1", "alice", 0.9, 8)
	require.NoError(t, err)
	_, err = agg.CastVote(ctx, "c1", "bob", 0.8, 2)
	require.NoError(t, err)
	got, err := agg.CastVote(ctx, "c1", "carol", 0.3, 1)
	require.NoError(t, err)

	assert.InDelta(t, 9.1/11.0, got.Gradient, 1e-12)
	assert.InDelta(t, 11.0, got.WeightTotal, 1e-12)
	assert.Equal(t, 3, got.VoteCount)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, core.ConsensusPending, got.ConsensusState)
}

func TestVoteAggregator_SingleVoteGradientEqualsValue(t *testing.T) {
	ctx := context.Background()
	agg := NewVoteAggregator(state.NewMemoryStore(), newManualClock(), nil)

	got, err := agg.CastVote(ctx, "c1", "alice", 0.37, 4.2)
	require.NoError(t, err)
	assert.InDelta(t, 0.37, got.Gradient, 1e-12)
}

func TestVoteAggregator_RemoveLastVoteIsNeutral(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	agg := NewVoteAggregator(store, newManualClock(), nil)

	_, err := agg.CastVote(ctx, "c1", "alice", 0.9, 3)
	require.NoError(t, err)

	got, changed, err := agg.RemoveVote(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, core.NeutralGradient, got.Gradient)
	assert.Zero(t, got.VoteCount)
	assert.Zero(t, got.WeightTotal)

	votes, err := store.ListVotes(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestVoteAggregator_RemoveAbsentVoteIsNoop(t *testing.T) {
	ctx := context.Background()
	agg := NewVoteAggregator(state.NewMemoryStore(), newManualClock(), nil)

	got, changed, err := agg.RemoveVote(ctx, "c1", "ghost")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, core.NeutralGradient, got.Gradient)

	_, err = agg.CastVote(ctx, "c1", "alice", 0.6, 2)
	require.NoError(t, err)
	got, changed, err = agg.RemoveVote(ctx, "c1", "ghost")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), got.Version)
}

func TestVoteAggregator_RevoteReplaces(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	agg := NewVoteAggregator(store, newManualClock(), nil)

	_, err := agg.CastVote(ctx, "c1", "alice", 0.2, 2)
	require.NoError(t, err)
	_, err = agg.CastVote(ctx, "c1", "bob", 0.6, 1)
	require.NoError(t, err)
	got, err := agg.CastVote(ctx, "c1", "alice", 0.9, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, got.VoteCount)
	assert.InDelta(t, (0.9*2+0.6)/3, got.Gradient, 1e-12)

	same, err := agg.CastVote(ctx, "c1", "alice", 0.9, 2)
	require.NoError(t, err)
	assert.Equal(t, got.WeightedSum, same.WeightedSum)
	assert.Equal(t, got.WeightTotal, same.WeightTotal)
	assert.Equal(t, got.Gradient, same.Gradient)
	assert.Equal(t, got.Version+1, same.Version)
}

func TestVoteAggregator_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	agg := NewVoteAggregator(state.NewMemoryStore(), newManualClock(), nil)

	_, err := agg.CastVote(ctx, "c1", "alice", 1.2, 1)
	assert.ErrorIs(t, err, core.ErrInvalidVoteValue)
	_, err = agg.CastVote(ctx, "c1", "alice", math.NaN(), 1)
	assert.ErrorIs(t, err, core.ErrInvalidVoteValue)
	_, err = agg.CastVote(ctx, "c1", "alice", 0.5, 0.5)
	assert.ErrorIs(t, err, core.ErrInvalidWeight)
	_, err = agg.CastVote(ctx, "c1", "alice", 0.5, math.Inf(1))
	assert.ErrorIs(t, err, core.ErrInvalidWeight)
	_, err = agg.CastVote(ctx, "", "alice", 0.5, 1)
	assert.Equal(t, core.CodeInvalidArgument, core.GetCode(err))
}

func TestVoteAggregator_GradientHistory(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	agg := NewVoteAggregator(store, newManualClock(), nil)

	for i, v := range []float64{0.1, 0.4, 0.7} {
		_, err := agg.CastVote(ctx, "c1", fmt.Sprintf("agent-%d", i), v, 1)
		require.NoError(t, err)
	}

	points, err := store.GradientHistory(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, int64(3), points[0].Version)
	assert.InDelta(t, 0.4, points[0].Gradient, 1e-12)
	assert.InDelta(t, 0.1, points[2].Gradient, 1e-12)
}

func TestVoteAggregator_ReconcileRepairsDrift(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	agg := NewVoteAggregator(store, newManualClock(), nil)

	_, err := agg.CastVote(ctx, "c1", "alice", 0.9, 4)
	require.NoError(t, err)
	current, err := agg.CastVote(ctx, "c1", "bob", 0.3, 1)
	require.NoError(t, err)

	clean, err := agg.Reconcile(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, clean.Repaired)

	// Corrupt the totals behind the aggregator's back.
	drifted := current.Clone()
	drifted.WeightedSum += 2
	drifted.VoteCount = 7
	drifted.Version++
	require.NoError(t, store.Commit(ctx, &core.Changeset{
		Aggregate: &core.AggregateWrite{Aggregate: drifted, ExpectedVersion: current.Version},
	}))

	report, err := agg.Reconcile(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.InDelta(t, 2, report.WeightedSumDrift, 1e-12)
	assert.Equal(t, 5, report.VoteCountDrift)
	assert.Equal(t, 2, report.Aggregate.VoteCount)
	assert.InDelta(t, (0.9*4+0.3)/5, report.Aggregate.Gradient, 1e-12)

	_, err = agg.Reconcile(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrUnknownClaim)
}

func TestVoteAggregator_StaleWriteConflicts(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	agg := NewVoteAggregator(store, newManualClock(), nil)

	first, err := agg.CastVote(ctx, "c1", "alice", 0.9, 1)
	require.NoError(t, err)

	stale := first.Clone()
	stale.Version = 2
	err = store.Commit(ctx, &core.Changeset{
		Aggregate: &core.AggregateWrite{Aggregate: stale, ExpectedVersion: 0},
	})
	assert.ErrorIs(t, err, core.ErrConcurrentModification)
	assert.True(t, core.IsRetryable(err))
}

type voteOp struct {
	agent  int
	value  float64
	weight float64
	remove bool
}

func TestVoteAggregator_NoDriftProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	genOp := gopter.CombineGens(
		gen.IntRange(0, 5),
		gen.Float64Range(0, 1),
		gen.Float64Range(1, 20),
		gen.Bool(),
	).Map(func(vals []interface{}) voteOp {
		return voteOp{
			agent:  vals[0].(int),
			value:  vals[1].(float64),
			weight: vals[2].(float64),
			remove: vals[3].(bool),
		}
	})

	properties.Property("running totals match a full rescan", prop.ForAll(
		func(ops []voteOp) bool {
			ctx := context.Background()
			store := state.NewMemoryStore()
			agg := NewVoteAggregator(store, newManualClock(), nil)

			for _, op := range ops {
				agentID := fmt.Sprintf("agent-%d", op.agent)
				var err error
				if op.remove {
					_, _, err = agg.RemoveVote(ctx, "c1", agentID)
				} else {
					_, err = agg.CastVote(ctx, "c1", agentID, op.value, op.weight)
				}
				if err != nil {
					return false
				}
			}

			current, err := store.GetAggregate(ctx, "c1")
			if err != nil {
				// Only removals ran; nothing was ever created.
				return len(ops) == 0 || allRemovals(ops)
			}
			votes, err := store.ListVotes(ctx, "c1")
			if err != nil {
				return false
			}
			ws, wt, n := RecomputeTotals(votes)
			if n != current.VoteCount {
				return false
			}
			if math.Abs(ws-current.WeightedSum) > 1e-6 || math.Abs(wt-current.WeightTotal) > 1e-6 {
				return false
			}
			return math.Abs(core.ComputeGradient(ws, wt)-current.Gradient) < 1e-6
		},
		gen.SliceOf(genOp),
	))

	properties.TestingRun(t)
}

func allRemovals(ops []voteOp) bool {
	for _, op := range ops {
		if !op.remove {
			return false
		}
	}
	return true
}
