package testutil

import (
	"context"
	"sync"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

// FaultyStore wraps a Store and injects failures on demand.
type FaultyStore struct {
	core.Store

	mu         sync.Mutex
	readErr    error
	commitErr  error
	failCommit int
	commits    int
	match      func(*core.Changeset) bool
	matchErr   error
}

// NewFaultyStore wraps inner.
func NewFaultyStore(inner core.Store) *FaultyStore {
	return &FaultyStore{Store: inner}
}

// FailReads makes aggregate and agent reads return err until cleared with nil.
func (s *FaultyStore) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// FailCommits makes the next n commits return err. A negative n fails every
// commit.
func (s *FaultyStore) FailCommits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommit = n
	s.commitErr = err
}

// FailCommitsWhen makes every commit accepted by match return err. A nil
// match clears it.
func (s *FaultyStore) FailCommitsWhen(match func(*core.Changeset) bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.match = match
	s.matchErr = err
}

// Commits returns how many commits reached the wrapped store.
func (s *FaultyStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *FaultyStore) readFault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// GetAggregate implements core.ClaimReader.
func (s *FaultyStore) GetAggregate(ctx context.Context, claimID string) (*core.ClaimAggregate, error) {
	if err := s.readFault(); err != nil {
		return nil, err
	}
	return s.Store.GetAggregate(ctx, claimID)
}

// GetAgent implements core.LedgerReader.
func (s *FaultyStore) GetAgent(ctx context.Context, agentID string) (*core.AgentReputation, error) {
	if err := s.readFault(); err != nil {
		return nil, err
	}
	return s.Store.GetAgent(ctx, agentID)
}

// Commit implements core.Store.
func (s *FaultyStore) Commit(ctx context.Context, cs *core.Changeset) error {
	s.mu.Lock()
	if s.match != nil && s.match(cs) {
		err := s.matchErr
		s.mu.Unlock()
		return err
	}
	if s.failCommit != 0 {
		if s.failCommit > 0 {
			s.failCommit--
		}
		err := s.commitErr
		s.mu.Unlock()
		return err
	}
	s.commits++
	s.mu.Unlock()
	return s.Store.Commit(ctx, cs)
}

// Resolving matches changesets that move a claim aggregate to a resolved
// state.
func Resolving(cs *core.Changeset) bool {
	return cs.Aggregate != nil && cs.Aggregate.Aggregate.ConsensusState.IsResolved()
}
