package core

import (
	"fmt"
	"strings"
	"time"
)

// Reason explains why a reputation event was recorded.
type Reason string

const (
	ReasonVoteAligned       Reason = "VOTE_ALIGNED"
	ReasonVoteOpposed       Reason = "VOTE_OPPOSED"
	ReasonEvidenceUpvoted   Reason = "EVIDENCE_UPVOTED"
	ReasonEvidenceDownvoted Reason = "EVIDENCE_DOWNVOTED"
	ReasonTierPromotion     Reason = "TIER_PROMOTION"
	ReasonManualAdjustment  Reason = "MANUAL_ADJUSTMENT"
)

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	switch r {
	case ReasonVoteAligned, ReasonVoteOpposed, ReasonEvidenceUpvoted,
		ReasonEvidenceDownvoted, ReasonTierPromotion, ReasonManualAdjustment:
		return true
	}
	return false
}

// Tier is a coarse trust classification derived from reputation.
type Tier int

const (
	TierNew Tier = iota
	TierEstablished
	TierTrusted
)

// String returns the canonical tier name.
func (t Tier) String() string {
	switch t {
	case TierNew:
		return "NEW"
	case TierEstablished:
		return "ESTABLISHED"
	case TierTrusted:
		return "TRUSTED"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier parses a tier name, case-insensitively.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW":
		return TierNew, nil
	case "ESTABLISHED":
		return TierEstablished, nil
	case "TRUSTED":
		return TierTrusted, nil
	}
	return TierNew, ErrValidation(CodeInvalidArgument, fmt.Sprintf("unknown tier %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ReputationEvent is one immutable entry of an agent's reputation log.
// Delta is the change actually applied after the zero floor; RequestedDelta
// is the change that was asked for.
type ReputationEvent struct {
	EventID        string    `json:"event_id"`
	AgentID        string    `json:"agent_id"`
	Seq            int64     `json:"seq"`
	PreviousScore  float64   `json:"previous_score"`
	Delta          float64   `json:"delta"`
	RequestedDelta float64   `json:"requested_delta"`
	NewScore       float64   `json:"new_score"`
	Reason         Reason    `json:"reason"`
	RelatedClaimID string    `json:"related_claim_id,omitempty"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Note           string    `json:"note,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// AgentReputation is the materialized projection of an agent's event log.
// Version equals the Seq of the last applied event.
type AgentReputation struct {
	AgentID   string    `json:"agent_id"`
	Score     float64   `json:"score"`
	Tier      Tier      `json:"tier"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TierChange records a tier transition produced by a ledger append.
type TierChange struct {
	AgentID  string `json:"agent_id"`
	Previous Tier   `json:"previous_tier"`
	New      Tier   `json:"new_tier"`
}

// Promotion reports whether the change moved the agent up.
func (c TierChange) Promotion() bool {
	return c.New > c.Previous
}
