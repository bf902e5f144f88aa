package events

import "time"

// Event type constants for agent events.
const (
	TypeReputationChanged = "agent.reputation_changed"
	TypeTierChanged       = "agent.tier_changed"
	TypeLedgerHalted      = "agent.ledger_halted"
)

// ReputationChangedEvent is emitted per ledger append.
type ReputationChangedEvent struct {
	BaseEvent
	AgentID        string  `json:"agent_id"`
	PreviousScore  float64 `json:"previous_score"`
	NewScore       float64 `json:"new_score"`
	Delta          float64 `json:"delta"`
	Reason         string  `json:"reason"`
	RelatedClaimID string  `json:"related_claim_id,omitempty"`
}

// NewReputationChangedEvent creates a new reputation changed event.
func NewReputationChangedEvent(agentID string, previous, next, delta float64, reason, relatedClaimID string, at time.Time) ReputationChangedEvent {
	return ReputationChangedEvent{
		BaseEvent:      NewBaseEvent(TypeReputationChanged, agentID, at),
		AgentID:        agentID,
		PreviousScore:  previous,
		NewScore:       next,
		Delta:          delta,
		Reason:         reason,
		RelatedClaimID: relatedClaimID,
	}
}

// TierChangedEvent is emitted on promotion or demotion. It is a PRIORITY event.
type TierChangedEvent struct {
	BaseEvent
	AgentID      string `json:"agent_id"`
	PreviousTier string `json:"previous_tier"`
	NewTier      string `json:"new_tier"`
}

// NewTierChangedEvent creates a new tier changed event.
func NewTierChangedEvent(agentID, previousTier, newTier string, at time.Time) TierChangedEvent {
	return TierChangedEvent{
		BaseEvent:    NewBaseEvent(TypeTierChanged, agentID, at),
		AgentID:      agentID,
		PreviousTier: previousTier,
		NewTier:      newTier,
	}
}

// LedgerHaltedEvent alerts that an agent's ledger failed verification and
// its writes are refused. It is a PRIORITY event.
type LedgerHaltedEvent struct {
	BaseEvent
	AgentID   string  `json:"agent_id"`
	Projected float64 `json:"projected_score"`
	LogSum    float64 `json:"log_sum"`
}

// NewLedgerHaltedEvent creates a new ledger halted event.
func NewLedgerHaltedEvent(agentID string, projected, logSum float64, at time.Time) LedgerHaltedEvent {
	return LedgerHaltedEvent{
		BaseEvent: NewBaseEvent(TypeLedgerHalted, agentID, at),
		AgentID:   agentID,
		Projected: projected,
		LogSum:    logSum,
	}
}
