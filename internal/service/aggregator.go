package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/logging"
)

// reconcileTolerance is the drift above which Reconcile rewrites the sums.
const reconcileTolerance = 1e-9

// WeightPolicy maps an agent's reputation at cast time to a vote weight.
type WeightPolicy struct {
	Divisor float64
	Min     float64
}

// DefaultWeightPolicy returns max(1, reputation/100).
func DefaultWeightPolicy() WeightPolicy {
	return WeightPolicy{Divisor: 100, Min: 1}
}

// Weight returns max(Min, reputation/Divisor).
func (p WeightPolicy) Weight(reputation float64) (float64, error) {
	if math.IsNaN(reputation) || math.IsInf(reputation, 0) || reputation < 0 {
		return 0, core.ErrValidation(core.CodeInvalidWeight, "reputation at cast time must be a finite, non-negative number").
			WithDetail("reputation", reputation)
	}
	w := p.Min
	if p.Divisor > 0 {
		w = math.Max(p.Min, reputation/p.Divisor)
	}
	return w, nil
}

// ValidWeight reports whether w can be used as a vote weight.
func ValidWeight(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w >= 1
}

// ApplyVote replaces prev with next in the aggregate's running totals and
// refreshes the gradient. Either vote may be nil. An identical re-vote leaves
// the totals untouched.
func ApplyVote(agg *core.ClaimAggregate, prev, next *core.Vote) {
	if prev != nil && next != nil && prev.Value == next.Value && prev.Weight == next.Weight {
		agg.Recompute()
		return
	}
	if prev != nil {
		agg.WeightedSum -= prev.Contribution()
		agg.WeightTotal -= prev.Weight
		agg.VoteCount--
	}
	if next != nil {
		agg.WeightedSum += next.Contribution()
		agg.WeightTotal += next.Weight
		agg.VoteCount++
	}
	agg.Recompute()
}

// RecomputeTotals sums a vote set from scratch.
func RecomputeTotals(votes []core.Vote) (weightedSum, weightTotal float64, count int) {
	for _, v := range votes {
		weightedSum += v.Contribution()
		weightTotal += v.Weight
	}
	return weightedSum, weightTotal, len(votes)
}

// VoteAggregator keeps each claim's running totals consistent with its live
// vote set. Callers serialize mutations per claim; the store's version check
// catches writers in other processes.
type VoteAggregator struct {
	store  core.Store
	clock  core.Clock
	logger *logging.Logger
}

// NewVoteAggregator creates an aggregator.
func NewVoteAggregator(store core.Store, clock core.Clock, logger *logging.Logger) *VoteAggregator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &VoteAggregator{store: store, clock: clock, logger: logger.WithComponent("aggregator")}
}

// loadAggregate returns the stored aggregate and its version, or a fresh
// aggregate at version 0.
func (a *VoteAggregator) loadAggregate(ctx context.Context, claimID string) (*core.ClaimAggregate, int64, error) {
	agg, err := a.store.GetAggregate(ctx, claimID)
	switch {
	case err == nil:
		return agg, agg.Version, nil
	case errors.Is(err, core.ErrUnknownClaim):
		return core.NewClaimAggregate(claimID), 0, nil
	default:
		return nil, 0, err
	}
}

// CastVote records or replaces the agent's vote and returns the updated
// aggregate.
func (a *VoteAggregator) CastVote(ctx context.Context, claimID, agentID string, value, weight float64) (*core.ClaimAggregate, error) {
	if claimID == "" || agentID == "" {
		return nil, core.ErrValidation(core.CodeInvalidArgument, "claim_id and agent_id are required")
	}
	if !core.ValidVoteValue(value) {
		return nil, core.InvalidVoteValue(value)
	}
	if !ValidWeight(weight) {
		return nil, core.InvalidWeight(weight)
	}

	agg, expected, err := a.loadAggregate(ctx, claimID)
	if err != nil {
		return nil, err
	}
	prev, err := a.store.GetVote(ctx, claimID, agentID)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	next := &core.Vote{
		ClaimID: claimID,
		AgentID: agentID,
		Value:   value,
		Weight:  weight,
		CastAt:  now,
	}
	ApplyVote(agg, prev, next)
	a.stamp(agg, expected, now)

	cs := &core.Changeset{
		Aggregate: &core.AggregateWrite{Aggregate: agg, ExpectedVersion: expected},
		PutVote:   next,
		GradientPoint: &core.GradientPoint{
			ClaimID:    claimID,
			Version:    agg.Version,
			Gradient:   agg.Gradient,
			VoteCount:  agg.VoteCount,
			RecordedAt: now,
		},
	}
	if err := a.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	a.logger.Debug("vote cast",
		"claim_id", claimID,
		"agent_id", agentID,
		"value", value,
		"weight", weight,
		"replaced", prev != nil,
		"gradient", agg.Gradient,
		"version", agg.Version)
	return agg.Clone(), nil
}

// RemoveVote withdraws the agent's vote. Removing a vote that does not exist
// is a no-op and reports changed=false.
func (a *VoteAggregator) RemoveVote(ctx context.Context, claimID, agentID string) (agg *core.ClaimAggregate, changed bool, err error) {
	if claimID == "" || agentID == "" {
		return nil, false, core.ErrValidation(core.CodeInvalidArgument, "claim_id and agent_id are required")
	}

	agg, expected, err := a.loadAggregate(ctx, claimID)
	if err != nil {
		return nil, false, err
	}
	if expected == 0 {
		return agg, false, nil
	}
	prev, err := a.store.GetVote(ctx, claimID, agentID)
	if err != nil {
		return nil, false, err
	}
	if prev == nil {
		return agg, false, nil
	}

	now := a.clock.Now()
	ApplyVote(agg, prev, nil)
	a.stamp(agg, expected, now)

	cs := &core.Changeset{
		Aggregate:  &core.AggregateWrite{Aggregate: agg, ExpectedVersion: expected},
		DeleteVote: &core.VoteKey{ClaimID: claimID, AgentID: agentID},
		GradientPoint: &core.GradientPoint{
			ClaimID:    claimID,
			Version:    agg.Version,
			Gradient:   agg.Gradient,
			VoteCount:  agg.VoteCount,
			RecordedAt: now,
		},
	}
	if err := a.store.Commit(ctx, cs); err != nil {
		return nil, false, err
	}

	a.logger.Debug("vote removed",
		"claim_id", claimID,
		"agent_id", agentID,
		"gradient", agg.Gradient,
		"version", agg.Version)
	return agg.Clone(), true, nil
}

func (a *VoteAggregator) stamp(agg *core.ClaimAggregate, expected int64, now time.Time) {
	if agg.OpenedAt.IsZero() {
		agg.OpenedAt = now
	}
	agg.UpdatedAt = now
	agg.Version = expected + 1
}

// ReconcileReport describes the outcome of a full rescan.
type ReconcileReport struct {
	ClaimID          string               `json:"claim_id"`
	WeightedSumDrift float64              `json:"weighted_sum_drift"`
	WeightTotalDrift float64              `json:"weight_total_drift"`
	VoteCountDrift   int                  `json:"vote_count_drift"`
	Repaired         bool                 `json:"repaired"`
	Aggregate        *core.ClaimAggregate `json:"aggregate"`
}

// Reconcile recomputes the totals from the live vote set and rewrites them
// when they drifted.
func (a *VoteAggregator) Reconcile(ctx context.Context, claimID string) (*ReconcileReport, error) {
	agg, err := a.store.GetAggregate(ctx, claimID)
	if err != nil {
		return nil, err
	}
	votes, err := a.store.ListVotes(ctx, claimID)
	if err != nil {
		return nil, err
	}

	ws, wt, count := RecomputeTotals(votes)
	report := &ReconcileReport{
		ClaimID:          claimID,
		WeightedSumDrift: agg.WeightedSum - ws,
		WeightTotalDrift: agg.WeightTotal - wt,
		VoteCountDrift:   agg.VoteCount - count,
	}
	if math.Abs(report.WeightedSumDrift) <= reconcileTolerance &&
		math.Abs(report.WeightTotalDrift) <= reconcileTolerance &&
		report.VoteCountDrift == 0 {
		report.Aggregate = agg
		return report, nil
	}

	expected := agg.Version
	now := a.clock.Now()
	agg.WeightedSum = ws
	agg.WeightTotal = wt
	agg.VoteCount = count
	agg.Recompute()
	a.stamp(agg, expected, now)

	cs := &core.Changeset{
		Aggregate: &core.AggregateWrite{Aggregate: agg, ExpectedVersion: expected},
		GradientPoint: &core.GradientPoint{
			ClaimID:    claimID,
			Version:    agg.Version,
			Gradient:   agg.Gradient,
			VoteCount:  agg.VoteCount,
			RecordedAt: now,
		},
	}
	if err := a.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	a.logger.Warn("aggregate drift repaired",
		"claim_id", claimID,
		"weighted_sum_drift", report.WeightedSumDrift,
		"weight_total_drift", report.WeightTotalDrift,
		"vote_count_drift", report.VoteCountDrift)
	report.Repaired = true
	report.Aggregate = agg.Clone()
	return report, nil
}
