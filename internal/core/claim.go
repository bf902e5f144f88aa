package core

import (
	"math"
	"time"
)

// NeutralGradient is the gradient of a claim with no live votes.
const NeutralGradient = 0.5

// ConsensusState is the resolution state of a claim.
type ConsensusState string

const (
	ConsensusPending       ConsensusState = "PENDING"
	ConsensusResolvedTrue  ConsensusState = "RESOLVED_TRUE"
	ConsensusResolvedFalse ConsensusState = "RESOLVED_FALSE"
)

// IsResolved reports whether the state is terminal.
func (s ConsensusState) IsResolved() bool {
	return s == ConsensusResolvedTrue || s == ConsensusResolvedFalse
}

// Outcome returns the boolean outcome of a resolved state.
func (s ConsensusState) Outcome() (bool, bool) {
	switch s {
	case ConsensusResolvedTrue:
		return true, true
	case ConsensusResolvedFalse:
		return false, true
	default:
		return false, false
	}
}

// Vote is the single live vote of an agent on a claim.
type Vote struct {
	ClaimID string    `json:"claim_id"`
	AgentID string    `json:"agent_id"`
	Value   float64   `json:"value"`
	Weight  float64   `json:"weight"`
	CastAt  time.Time `json:"cast_at"`
}

// Contribution returns the vote's share of the weighted sum.
func (v Vote) Contribution() float64 {
	return v.Value * v.Weight
}

// ValidVoteValue reports whether value lies in [0,1].
func ValidVoteValue(value float64) bool {
	return !math.IsNaN(value) && value >= 0 && value <= 1
}

// ClaimAggregate holds the running weighted totals of a claim's live votes.
type ClaimAggregate struct {
	ClaimID        string         `json:"claim_id"`
	WeightedSum    float64        `json:"weighted_sum"`
	WeightTotal    float64        `json:"weight_total"`
	VoteCount      int            `json:"vote_count"`
	Gradient       float64        `json:"gradient"`
	ConsensusState ConsensusState `json:"consensus_state"`
	Version        int64          `json:"version"`
	OpenedAt       time.Time      `json:"opened_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	// ResolvedGradient is the gradient observed at the resolution instant.
	ResolvedGradient *float64 `json:"resolved_gradient,omitempty"`
}

// NewClaimAggregate returns an empty, pending aggregate.
func NewClaimAggregate(claimID string) *ClaimAggregate {
	return &ClaimAggregate{
		ClaimID:        claimID,
		Gradient:       NeutralGradient,
		ConsensusState: ConsensusPending,
	}
}

// ComputeGradient derives the gradient from the totals.
func ComputeGradient(weightedSum, weightTotal float64) float64 {
	if weightTotal <= 0 {
		return NeutralGradient
	}
	return weightedSum / weightTotal
}

// Recompute refreshes Gradient from the running totals.
func (a *ClaimAggregate) Recompute() {
	if a.VoteCount <= 0 {
		a.VoteCount = 0
		a.WeightedSum = 0
		a.WeightTotal = 0
	}
	a.Gradient = ComputeGradient(a.WeightedSum, a.WeightTotal)
}

// Clone returns a deep copy.
func (a *ClaimAggregate) Clone() *ClaimAggregate {
	if a == nil {
		return nil
	}
	c := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	if a.ResolvedGradient != nil {
		g := *a.ResolvedGradient
		c.ResolvedGradient = &g
	}
	return &c
}

// GradientPoint is one entry in a claim's gradient history.
// Version is the aggregate version that produced the point.
type GradientPoint struct {
	ClaimID    string    `json:"claim_id"`
	Version    int64     `json:"version"`
	Gradient   float64   `json:"gradient"`
	VoteCount  int       `json:"vote_count"`
	RecordedAt time.Time `json:"recorded_at"`
}
