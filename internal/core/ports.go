package core

import (
	"context"
	"time"
)

// =============================================================================
// Store Port
// =============================================================================

// ClaimReader reads claim-side state.
type ClaimReader interface {
	// GetAggregate returns the aggregate for a claim, or UNKNOWN_CLAIM when
	// the claim has never received a vote.
	GetAggregate(ctx context.Context, claimID string) (*ClaimAggregate, error)

	// GetVote returns the live vote of an agent on a claim, or nil when absent.
	GetVote(ctx context.Context, claimID, agentID string) (*Vote, error)

	// ListVotes returns every live vote on a claim ordered by agent ID.
	ListVotes(ctx context.Context, claimID string) ([]Vote, error)

	// GradientHistory returns the most recent gradient points, newest first.
	GradientHistory(ctx context.Context, claimID string, limit int) ([]GradientPoint, error)
}

// LedgerReader reads reputation-side state.
type LedgerReader interface {
	// GetAgent returns the projection for an agent, or UNKNOWN_AGENT.
	GetAgent(ctx context.Context, agentID string) (*AgentReputation, error)

	// ListAgents returns every agent projection.
	ListAgents(ctx context.Context) ([]AgentReputation, error)

	// History returns an agent's events ordered by Seq ascending.
	History(ctx context.Context, agentID string) ([]ReputationEvent, error)

	// ResolvedVotes returns the agent's resolved-vote attributions ordered by
	// resolution time.
	ResolvedVotes(ctx context.Context, agentID string) ([]ResolvedVote, error)
}

// Store is the persistence port used by the engine. Commit is the only
// mutation and applies a Changeset atomically.
type Store interface {
	ClaimReader
	LedgerReader

	// Commit applies every write in the changeset or none of them. It fails
	// with CONCURRENT_MODIFICATION when a stored version differs from the
	// expected one.
	Commit(ctx context.Context, cs *Changeset) error

	// Close releases resources held by the store.
	Close() error
}

// VoteKey identifies a live vote.
type VoteKey struct {
	ClaimID string
	AgentID string
}

// AggregateWrite replaces a claim aggregate if the stored version matches.
// ExpectedVersion 0 means the aggregate must not exist yet.
type AggregateWrite struct {
	Aggregate       *ClaimAggregate
	ExpectedVersion int64
}

// AgentWrite inserts an agent projection when Create is set, and otherwise
// replaces it if the stored version matches ExpectedVersion.
type AgentWrite struct {
	Agent           AgentReputation
	ExpectedVersion int64
	Create          bool
}

// Changeset groups writes that must become visible together.
type Changeset struct {
	Aggregate     *AggregateWrite
	PutVote       *Vote
	DeleteVote    *VoteKey
	Agents        []AgentWrite
	Events        []ReputationEvent
	ResolvedVotes []ResolvedVote
	GradientPoint *GradientPoint
}

// Empty reports whether the changeset carries no writes.
func (cs *Changeset) Empty() bool {
	return cs == nil || (cs.Aggregate == nil && cs.PutVote == nil && cs.DeleteVote == nil &&
		len(cs.Agents) == 0 && len(cs.Events) == 0 && len(cs.ResolvedVotes) == 0 &&
		cs.GradientPoint == nil)
}

// =============================================================================
// Collaborator Ports
// =============================================================================

// Directory answers existence queries owned by the claims and identity
// services. A nil Directory accepts every ID.
type Directory interface {
	ClaimExists(ctx context.Context, claimID string) (bool, error)
	AgentExists(ctx context.Context, agentID string) (bool, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
