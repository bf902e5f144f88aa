package state

import (
	"context"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

// MemoryStore keeps all state in process memory. It is used by tests and the
// "memory" backend.
type MemoryStore struct {
	mu         sync.RWMutex
	aggregates map[string]*core.ClaimAggregate
	votes      map[core.VoteKey]core.Vote
	agents     map[string]core.AgentReputation
	events     map[string][]core.ReputationEvent
	resolved   map[string][]core.ResolvedVote
	gradients  map[string][]core.GradientPoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates: make(map[string]*core.ClaimAggregate),
		votes:      make(map[core.VoteKey]core.Vote),
		agents:     make(map[string]core.AgentReputation),
		events:     make(map[string][]core.ReputationEvent),
		resolved:   make(map[string][]core.ResolvedVote),
		gradients:  make(map[string][]core.GradientPoint),
	}
}

// GetAggregate returns a copy of the claim's aggregate.
func (s *MemoryStore) GetAggregate(_ context.Context, claimID string) (*core.ClaimAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[claimID]
	if !ok {
		return nil, core.UnknownClaim(claimID)
	}
	return agg.Clone(), nil
}

// GetVote returns the agent's live vote, or nil.
func (s *MemoryStore) GetVote(_ context.Context, claimID, agentID string) (*core.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.votes[core.VoteKey{ClaimID: claimID, AgentID: agentID}]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// ListVotes returns the claim's live votes ordered by agent ID.
func (s *MemoryStore) ListVotes(_ context.Context, claimID string) ([]core.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var votes []core.Vote
	for key, v := range s.votes {
		if key.ClaimID == claimID {
			votes = append(votes, v)
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].AgentID < votes[j].AgentID })
	return votes, nil
}

// GradientHistory returns up to limit points, newest first.
func (s *MemoryStore) GradientHistory(_ context.Context, claimID string, limit int) ([]core.GradientPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return []core.GradientPoint{}, nil
	}
	points := s.gradients[claimID]
	out := make([]core.GradientPoint, 0, min(limit, len(points)))
	for i := len(points) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, points[i])
	}
	return out, nil
}

// GetAgent returns the agent's projection.
func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*core.AgentReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, core.UnknownAgent(agentID)
	}
	return &a, nil
}

// ListAgents returns every projection ordered by agent ID.
func (s *MemoryStore) ListAgents(_ context.Context) ([]core.AgentReputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]core.AgentReputation, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	return agents, nil
}

// History returns the agent's events in Seq order.
func (s *MemoryStore) History(_ context.Context, agentID string) ([]core.ReputationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]core.ReputationEvent(nil), s.events[agentID]...), nil
}

// ResolvedVotes returns the agent's attributions in resolution order.
func (s *MemoryStore) ResolvedVotes(_ context.Context, agentID string) ([]core.ResolvedVote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	votes := append([]core.ResolvedVote(nil), s.resolved[agentID]...)
	sort.SliceStable(votes, func(i, j int) bool {
		if !votes[i].ResolvedAt.Equal(votes[j].ResolvedAt) {
			return votes[i].ResolvedAt.Before(votes[j].ResolvedAt)
		}
		return votes[i].ClaimID < votes[j].ClaimID
	})
	return votes, nil
}

// Commit validates every expected version, then applies the changeset.
func (s *MemoryStore) Commit(_ context.Context, cs *core.Changeset) error {
	if cs.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w := cs.Aggregate; w != nil {
		current, ok := s.aggregates[w.Aggregate.ClaimID]
		switch {
		case w.ExpectedVersion == 0 && ok:
			return core.ConcurrentModification("claim", w.Aggregate.ClaimID, 0)
		case w.ExpectedVersion != 0 && (!ok || current.Version != w.ExpectedVersion):
			return core.ConcurrentModification("claim", w.Aggregate.ClaimID, w.ExpectedVersion)
		}
	}
	for _, w := range cs.Agents {
		current, ok := s.agents[w.Agent.AgentID]
		switch {
		case w.Create && ok:
			return core.ConcurrentModification("agent", w.Agent.AgentID, w.ExpectedVersion)
		case !w.Create && (!ok || current.Version != w.ExpectedVersion):
			return core.ConcurrentModification("agent", w.Agent.AgentID, w.ExpectedVersion)
		}
	}

	if w := cs.Aggregate; w != nil {
		s.aggregates[w.Aggregate.ClaimID] = w.Aggregate.Clone()
	}
	if v := cs.PutVote; v != nil {
		s.votes[core.VoteKey{ClaimID: v.ClaimID, AgentID: v.AgentID}] = *v
	}
	if k := cs.DeleteVote; k != nil {
		delete(s.votes, *k)
	}
	for _, w := range cs.Agents {
		s.agents[w.Agent.AgentID] = w.Agent
	}
	for _, ev := range cs.Events {
		s.events[ev.AgentID] = append(s.events[ev.AgentID], ev)
	}
	for _, rv := range cs.ResolvedVotes {
		if s.hasResolved(rv.AgentID, rv.ClaimID) {
			continue
		}
		s.resolved[rv.AgentID] = append(s.resolved[rv.AgentID], rv)
	}
	if p := cs.GradientPoint; p != nil {
		s.gradients[p.ClaimID] = append(s.gradients[p.ClaimID], *p)
	}
	return nil
}

func (s *MemoryStore) hasResolved(agentID, claimID string) bool {
	for _, rv := range s.resolved[agentID] {
		if rv.ClaimID == claimID {
			return true
		}
	}
	return false
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Corrupt overwrites an agent's projected score without an event. It exists
// so ledger verification can be exercised.
func (s *MemoryStore) Corrupt(agentID string, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.agents[agentID]
	a.AgentID = agentID
	a.Score = score
	s.agents[agentID] = a
}
