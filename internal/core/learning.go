package core

import "time"

// ResolvedVote attributes a vote on a resolved claim to its author.
type ResolvedVote struct {
	AgentID       string    `json:"agent_id"`
	ClaimID       string    `json:"claim_id"`
	Value         float64   `json:"value"`
	FinalGradient float64   `json:"final_gradient"`
	Outcome       bool      `json:"outcome"`
	CastAt        time.Time `json:"cast_at"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// Correct reports whether the vote agreed with the resolution, judged
// against the gradient at the moment consensus was reached.
func (v ResolvedVote) Correct(trueThreshold, falseThreshold float64) bool {
	return (v.Value > 0.5 && v.FinalGradient > trueThreshold) ||
		(v.Value < 0.5 && v.FinalGradient < falseThreshold)
}

// LearningScoreSnapshot is a recomputable read model of an agent's voting
// accuracy. Accuracy and Score are nil when the agent has no resolved votes.
type LearningScoreSnapshot struct {
	AgentID       string    `json:"agent_id"`
	Accuracy      *float64  `json:"accuracy"`
	Consistency   float64   `json:"consistency"`
	Improvement   float64   `json:"improvement"`
	Score         *float64  `json:"score"`
	ResolvedVotes int       `json:"resolved_votes"`
	CorrectVotes  int       `json:"correct_votes"`
	ComputedAt    time.Time `json:"computed_at"`
}

// InsufficientData reports whether no resolved votes were available.
func (s *LearningScoreSnapshot) InsufficientData() bool {
	return s.Accuracy == nil
}
