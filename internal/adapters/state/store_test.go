package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T) core.Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) core.Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) core.Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "gradient.db"))
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s core.Store)) {
	t.Helper()
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newAggregate(claimID string, version int64) *core.ClaimAggregate {
	agg := core.NewClaimAggregate(claimID)
	agg.WeightedSum = 0.9
	agg.WeightTotal = 1
	agg.VoteCount = 1
	agg.Recompute()
	agg.Version = version
	agg.OpenedAt = t0
	agg.UpdatedAt = t0
	return agg
}

func TestStore_AggregateLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()

		if _, err := s.GetAggregate(ctx, "c1"); !errors.Is(err, core.ErrUnknownClaim) {
			t.Fatalf("GetAggregate() on empty store error = %v, want UNKNOWN_CLAIM", err)
		}

		vote := &core.Vote{ClaimID: "c1", AgentID: "alice", Value: 0.9, Weight: 1, CastAt: t0}
		err := s.Commit(ctx, &core.Changeset{
			Aggregate:     &core.AggregateWrite{Aggregate: newAggregate("c1", 1), ExpectedVersion: 0},
			PutVote:       vote,
			GradientPoint: &core.GradientPoint{ClaimID: "c1", Version: 1, Gradient: 0.9, VoteCount: 1, RecordedAt: t0},
		})
		if err != nil {
			t.Fatalf("Commit(create) error = %v", err)
		}

		got, err := s.GetAggregate(ctx, "c1")
		if err != nil {
			t.Fatalf("GetAggregate() error = %v", err)
		}
		if got.Version != 1 || got.Gradient != 0.9 || got.ConsensusState != core.ConsensusPending {
			t.Errorf("aggregate = %+v", got)
		}
		if !got.OpenedAt.Equal(t0) {
			t.Errorf("OpenedAt = %v, want %v", got.OpenedAt, t0)
		}
		if got.ResolvedAt != nil || got.ResolvedGradient != nil {
			t.Errorf("pending aggregate has resolution fields: %+v", got)
		}

		v, err := s.GetVote(ctx, "c1", "alice")
		if err != nil || v == nil {
			t.Fatalf("GetVote() = %v, %v", v, err)
		}
		if v.Value != 0.9 || !v.CastAt.Equal(t0) {
			t.Errorf("vote = %+v", v)
		}

		// A second create loses.
		err = s.Commit(ctx, &core.Changeset{
			Aggregate: &core.AggregateWrite{Aggregate: newAggregate("c1", 1), ExpectedVersion: 0},
		})
		if !errors.Is(err, core.ErrConcurrentModification) {
			t.Errorf("duplicate create error = %v, want CONCURRENT_MODIFICATION", err)
		}

		// A stale update loses and leaves no partial writes.
		err = s.Commit(ctx, &core.Changeset{
			Aggregate:  &core.AggregateWrite{Aggregate: newAggregate("c1", 3), ExpectedVersion: 2},
			DeleteVote: &core.VoteKey{ClaimID: "c1", AgentID: "alice"},
		})
		if !errors.Is(err, core.ErrConcurrentModification) {
			t.Errorf("stale update error = %v, want CONCURRENT_MODIFICATION", err)
		}
		if v, _ := s.GetVote(ctx, "c1", "alice"); v == nil {
			t.Error("vote deleted by a rejected changeset")
		}

		resolved := newAggregate("c1", 2)
		resolved.ConsensusState = core.ConsensusResolvedTrue
		at := t0.Add(time.Hour)
		g := 0.9
		resolved.ResolvedAt = &at
		resolved.ResolvedGradient = &g
		if err := s.Commit(ctx, &core.Changeset{
			Aggregate: &core.AggregateWrite{Aggregate: resolved, ExpectedVersion: 1},
		}); err != nil {
			t.Fatalf("Commit(update) error = %v", err)
		}
		got, _ = s.GetAggregate(ctx, "c1")
		if got.ConsensusState != core.ConsensusResolvedTrue || got.ResolvedAt == nil || !got.ResolvedAt.Equal(at) {
			t.Errorf("resolved aggregate = %+v", got)
		}
		if got.ResolvedGradient == nil || *got.ResolvedGradient != 0.9 {
			t.Errorf("ResolvedGradient = %v, want 0.9", got.ResolvedGradient)
		}
	})
}

func TestStore_VotesAndHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()

		agg := newAggregate("c1", 1)
		for i, agent := range []string{"carol", "alice", "bob"} {
			cs := &core.Changeset{
				PutVote:       &core.Vote{ClaimID: "c1", AgentID: agent, Value: 0.5, Weight: 1, CastAt: t0},
				GradientPoint: &core.GradientPoint{ClaimID: "c1", Version: int64(i + 1), Gradient: float64(i) / 10, VoteCount: i + 1, RecordedAt: t0},
			}
			if i == 0 {
				cs.Aggregate = &core.AggregateWrite{Aggregate: agg, ExpectedVersion: 0}
			} else {
				next := newAggregate("c1", int64(i+1))
				cs.Aggregate = &core.AggregateWrite{Aggregate: next, ExpectedVersion: int64(i)}
			}
			if err := s.Commit(ctx, cs); err != nil {
				t.Fatalf("Commit(%s) error = %v", agent, err)
			}
		}

		// Re-vote replaces in place.
		if err := s.Commit(ctx, &core.Changeset{
			PutVote: &core.Vote{ClaimID: "c1", AgentID: "bob", Value: 0.1, Weight: 2, CastAt: t0},
		}); err != nil {
			t.Fatalf("Commit(revote) error = %v", err)
		}

		votes, err := s.ListVotes(ctx, "c1")
		if err != nil {
			t.Fatalf("ListVotes() error = %v", err)
		}
		if len(votes) != 3 {
			t.Fatalf("len(votes) = %d, want 3", len(votes))
		}
		if votes[0].AgentID != "alice" || votes[1].AgentID != "bob" || votes[2].AgentID != "carol" {
			t.Errorf("votes not ordered by agent: %v", votes)
		}
		if votes[1].Value != 0.1 || votes[1].Weight != 2 {
			t.Errorf("bob's vote = %+v, want replaced value", votes[1])
		}

		points, err := s.GradientHistory(ctx, "c1", 2)
		if err != nil {
			t.Fatalf("GradientHistory() error = %v", err)
		}
		if len(points) != 2 || points[0].Version != 3 || points[1].Version != 2 {
			t.Errorf("GradientHistory() = %+v, want versions 3,2", points)
		}

		if err := s.Commit(ctx, &core.Changeset{DeleteVote: &core.VoteKey{ClaimID: "c1", AgentID: "carol"}}); err != nil {
			t.Fatalf("Commit(delete) error = %v", err)
		}
		if v, _ := s.GetVote(ctx, "c1", "carol"); v != nil {
			t.Errorf("GetVote() after delete = %+v, want nil", v)
		}
	})
}

func TestStore_AgentsAndEvents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()

		if _, err := s.GetAgent(ctx, "alice"); !errors.Is(err, core.ErrUnknownAgent) {
			t.Fatalf("GetAgent() error = %v, want UNKNOWN_AGENT", err)
		}

		agent := core.AgentReputation{AgentID: "alice", Score: 10, Tier: core.TierNew, Version: 1, CreatedAt: t0, UpdatedAt: t0}
		ev := core.ReputationEvent{
			EventID: "e1", AgentID: "alice", Seq: 1, PreviousScore: 0, Delta: 10, RequestedDelta: 10,
			NewScore: 10, Reason: core.ReasonManualAdjustment, Note: "seed", OccurredAt: t0,
		}
		if err := s.Commit(ctx, &core.Changeset{
			Agents: []core.AgentWrite{{Agent: agent, Create: true}},
			Events: []core.ReputationEvent{ev},
		}); err != nil {
			t.Fatalf("Commit(create agent) error = %v", err)
		}

		// Duplicate creation conflicts.
		err := s.Commit(ctx, &core.Changeset{Agents: []core.AgentWrite{{Agent: agent, Create: true}}})
		if !errors.Is(err, core.ErrConcurrentModification) {
			t.Errorf("duplicate agent create error = %v, want CONCURRENT_MODIFICATION", err)
		}

		agent.Score = 260
		agent.Tier = core.TierEstablished
		agent.Version = 2
		ev2 := core.ReputationEvent{
			EventID: "e2", AgentID: "alice", Seq: 2, PreviousScore: 10, Delta: 250, RequestedDelta: 250,
			NewScore: 260, Reason: core.ReasonVoteAligned, RelatedClaimID: "c1", OccurredAt: t0.Add(time.Minute),
		}

		// Stale expected version rejects the whole changeset.
		err = s.Commit(ctx, &core.Changeset{
			Agents: []core.AgentWrite{{Agent: agent, ExpectedVersion: 0}},
			Events: []core.ReputationEvent{ev2},
		})
		if !errors.Is(err, core.ErrConcurrentModification) {
			t.Fatalf("stale agent write error = %v, want CONCURRENT_MODIFICATION", err)
		}
		history, _ := s.History(ctx, "alice")
		if len(history) != 1 {
			t.Fatalf("history after rejected commit has %d events, want 1", len(history))
		}

		if err := s.Commit(ctx, &core.Changeset{
			Agents: []core.AgentWrite{{Agent: agent, ExpectedVersion: 1}},
			Events: []core.ReputationEvent{ev2},
		}); err != nil {
			t.Fatalf("Commit(update agent) error = %v", err)
		}

		got, err := s.GetAgent(ctx, "alice")
		if err != nil {
			t.Fatalf("GetAgent() error = %v", err)
		}
		if got.Score != 260 || got.Tier != core.TierEstablished || got.Version != 2 {
			t.Errorf("agent = %+v", got)
		}

		history, err = s.History(ctx, "alice")
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(history) != 2 || history[0].Seq != 1 || history[1].Seq != 2 {
			t.Fatalf("History() = %+v", history)
		}
		if history[0].Note != "seed" || history[1].RelatedClaimID != "c1" || history[1].Reason != core.ReasonVoteAligned {
			t.Errorf("event fields not round-tripped: %+v", history)
		}

		agents, err := s.ListAgents(ctx)
		if err != nil || len(agents) != 1 {
			t.Fatalf("ListAgents() = %v, %v", agents, err)
		}
	})
}

func TestStore_ResolvedVotes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()

		rvs := []core.ResolvedVote{
			{AgentID: "alice", ClaimID: "c2", Value: 0.2, FinalGradient: 0.1, Outcome: false, CastAt: t0, ResolvedAt: t0.Add(2 * time.Hour)},
			{AgentID: "alice", ClaimID: "c1", Value: 0.9, FinalGradient: 0.85, Outcome: true, CastAt: t0, ResolvedAt: t0.Add(time.Hour)},
		}
		if err := s.Commit(ctx, &core.Changeset{ResolvedVotes: rvs}); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}

		got, err := s.ResolvedVotes(ctx, "alice")
		if err != nil {
			t.Fatalf("ResolvedVotes() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].ClaimID != "c1" || !got[0].Outcome || got[1].Outcome {
			t.Errorf("ResolvedVotes() = %+v, want c1 (true) then c2 (false)", got)
		}
		if none, _ := s.ResolvedVotes(ctx, "bob"); len(none) != 0 {
			t.Errorf("ResolvedVotes(bob) = %+v, want empty", none)
		}
	})
}

func TestStore_ResolvedVotesKeepFirstAttribution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		ctx := context.Background()

		first := core.ResolvedVote{AgentID: "alice", ClaimID: "c1", Value: 0.9, FinalGradient: 0.85, Outcome: true, CastAt: t0, ResolvedAt: t0.Add(time.Hour)}
		if err := s.Commit(ctx, &core.Changeset{ResolvedVotes: []core.ResolvedVote{first}}); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
		dup := first
		dup.Value = 0.1
		dup.Outcome = false
		if err := s.Commit(ctx, &core.Changeset{ResolvedVotes: []core.ResolvedVote{dup, dup}}); err != nil {
			t.Fatalf("Commit(duplicate) error = %v", err)
		}

		got, err := s.ResolvedVotes(ctx, "alice")
		if err != nil {
			t.Fatalf("ResolvedVotes() error = %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
		if got[0].Value != 0.9 || !got[0].Outcome {
			t.Errorf("ResolvedVotes()[0] = %+v, want the first attribution", got[0])
		}
	})
}

func TestStore_EmptyChangeset(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s core.Store) {
		if err := s.Commit(context.Background(), &core.Changeset{}); err != nil {
			t.Errorf("Commit(empty) error = %v", err)
		}
	})
}
