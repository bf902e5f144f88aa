package events

import "time"

// Event type constants for claim events.
const (
	TypeGradientUpdated  = "claim.gradient_changed"
	TypeConsensusReached = "claim.consensus_reached"
)

// GradientUpdatedEvent is emitted on every aggregate mutation.
type GradientUpdatedEvent struct {
	BaseEvent
	ClaimID   string  `json:"claim_id"`
	Gradient  float64 `json:"gradient"`
	VoteCount int     `json:"vote_count"`
}

// NewGradientUpdatedEvent creates a new gradient updated event.
func NewGradientUpdatedEvent(claimID string, gradient float64, voteCount int, at time.Time) GradientUpdatedEvent {
	return GradientUpdatedEvent{
		BaseEvent: NewBaseEvent(TypeGradientUpdated, claimID, at),
		ClaimID:   claimID,
		Gradient:  gradient,
		VoteCount: voteCount,
	}
}

// ConsensusReachedEvent is emitted exactly once per claim. It is a PRIORITY event.
type ConsensusReachedEvent struct {
	BaseEvent
	ClaimID   string    `json:"claim_id"`
	Gradient  float64   `json:"gradient"`
	Outcome   bool      `json:"outcome"`
	VoteCount int       `json:"vote_count"`
	ReachedAt time.Time `json:"reached_at"`
}

// NewConsensusReachedEvent creates a new consensus reached event.
func NewConsensusReachedEvent(claimID string, gradient float64, outcome bool, voteCount int, reachedAt time.Time) ConsensusReachedEvent {
	return ConsensusReachedEvent{
		BaseEvent: NewBaseEvent(TypeConsensusReached, claimID, reachedAt),
		ClaimID:   claimID,
		Gradient:  gradient,
		Outcome:   outcome,
		VoteCount: voteCount,
		ReachedAt: reachedAt,
	}
}
