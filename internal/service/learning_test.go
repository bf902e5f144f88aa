package service

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/gradient/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

const day = 24 * time.Hour

func resolvedVote(clock *manualClock, claimID string, value, final float64, age time.Duration) core.ResolvedVote {
	now := clock.Now()
	return core.ResolvedVote{
		AgentID:       "a1",
		ClaimID:       claimID,
		Value:         value,
		FinalGradient: final,
		Outcome:       final > 0.5,
		CastAt:        now.Add(-age),
		ResolvedAt:    now.Add(-age).Add(time.Hour),
	}
}

func TestLearningScoreCalculator_NoHistory(t *testing.T) {
	calc := NewLearningScoreCalculator(DefaultLearningParams(), newManualClock())

	snap := calc.Compute("a1", nil)
	assert.True(t, snap.InsufficientData())
	assert.Nil(t, snap.Score)
	assert.Equal(t, 0.5, snap.Consistency)
	assert.Equal(t, 0.5, snap.Improvement)
	assert.Zero(t, snap.ResolvedVotes)
}

func TestLearningScoreCalculator_SingleWindowIsNeutral(t *testing.T) {
	clock := newManualClock()
	calc := NewLearningScoreCalculator(DefaultLearningParams(), clock)

	history := []core.ResolvedVote{
		resolvedVote(clock, "c1", 0.9, 0.85, day),
		resolvedVote(clock, "c2", 0.1, 0.1, 2*day),
		resolvedVote(clock, "c3", 0.7, 0.15, 3*day),
		resolvedVote(clock, "c4", 0.6, 0.9, 4*day),
	}
	snap := calc.Compute("a1", history)

	require.NotNil(t, snap.Accuracy)
	assert.InDelta(t, 0.75, *snap.Accuracy, 1e-12)
	assert.Equal(t, 0.5, snap.Consistency)
	assert.Equal(t, 0.5, snap.Improvement)
	require.NotNil(t, snap.Score)
	assert.InDelta(t, 0.5*0.75+0.25*0.5+0.25*0.5, *snap.Score, 1e-12)
	assert.Equal(t, 4, snap.ResolvedVotes)
	assert.Equal(t, 3, snap.CorrectVotes)
}

func TestLearningScoreCalculator_ImprovingTrend(t *testing.T) {
	clock := newManualClock()
	params := DefaultLearningParams()
	calc := NewLearningScoreCalculator(params, clock)

	history := []core.ResolvedVote{
		// Oldest window: 0 of 2 correct.
		resolvedVote(clock, "c1", 0.9, 0.1, 70*day),
		resolvedVote(clock, "c2", 0.2, 0.9, 75*day),
		// Middle window: 1 of 2.
		resolvedVote(clock, "c3", 0.9, 0.9, 40*day),
		resolvedVote(clock, "c4", 0.9, 0.1, 45*day),
		// Recent window: 2 of 2.
		resolvedVote(clock, "c5", 0.9, 0.9, 5*day),
		resolvedVote(clock, "c6", 0.1, 0.05, 6*day),
	}
	snap := calc.Compute("a1", history)

	wantConsistency := 1 - (0.25+0+0.25)/3
	wantImprovement := 0.5 + 0.5*math.Tanh(0.5/params.SlopeScale)
	assert.InDelta(t, 0.5, *snap.Accuracy, 1e-12)
	assert.InDelta(t, wantConsistency, snap.Consistency, 1e-9)
	assert.InDelta(t, wantImprovement, snap.Improvement, 1e-9)
	assert.InDelta(t, 0.5*0.5+0.25*wantConsistency+0.25*wantImprovement, *snap.Score, 1e-9)
	assert.Greater(t, snap.Improvement, 0.5)
}

func TestLearningScoreCalculator_DecliningTrendAndGap(t *testing.T) {
	clock := newManualClock()
	calc := NewLearningScoreCalculator(DefaultLearningParams(), clock)

	history := []core.ResolvedVote{
		// Oldest window all correct, middle window empty, recent all wrong.
		resolvedVote(clock, "c1", 0.9, 0.9, 65*day),
		resolvedVote(clock, "c2", 0.9, 0.1, 2*day),
		// Outside every window: counts toward accuracy only.
		resolvedVote(clock, "c3", 0.9, 0.9, 200*day),
	}
	snap := calc.Compute("a1", history)

	assert.InDelta(t, 2.0/3.0, *snap.Accuracy, 1e-12)
	// Points (0,1) and (2,0): slope -0.5, variance 0.25.
	assert.InDelta(t, 0.75, snap.Consistency, 1e-9)
	assert.InDelta(t, 0.5+0.5*math.Tanh(-0.5/0.25), snap.Improvement, 1e-9)
	assert.Less(t, snap.Improvement, 0.5)
}

func TestNormalizeSlope(t *testing.T) {
	assert.Equal(t, 0.5, normalizeSlope(0, 0.25))
	assert.Equal(t, 0.5, normalizeSlope(math.NaN(), 0.25))
	assert.InDelta(t, 1, normalizeSlope(100, 0.25), 1e-9)
	assert.InDelta(t, 0, normalizeSlope(-100, 0.25), 1e-9)
}

func seedResolved(t *testing.T, store *state.MemoryStore, votes ...core.ResolvedVote) {
	t.Helper()
	require.NoError(t, store.Commit(context.Background(), &core.Changeset{ResolvedVotes: votes}))
}

func TestLearningScores_CacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := state.NewMemoryStore()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	seedResolved(t, store, resolvedVote(clock, "c1", 0.9, 0.9, day))

	scores, err := NewLearningScores(NewLearningScoreCalculator(DefaultLearningParams(), clock), store, 16, time.Minute, metrics, nil)
	require.NoError(t, err)

	first, err := scores.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ResolvedVotes)

	seedResolved(t, store, resolvedVote(clock, "c2", 0.9, 0.1, day))

	cached, err := scores.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Same(t, first, cached)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.learningCache.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.learningCache.WithLabelValues("miss")))

	scores.Invalidate("a1")
	fresh, err := scores.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.ResolvedVotes)
	assert.Equal(t, 1, scores.Len())
}

func TestLearningScores_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := state.NewMemoryStore()
	seedResolved(t, store, resolvedVote(clock, "c1", 0.9, 0.9, day))

	scores, err := NewLearningScores(NewLearningScoreCalculator(DefaultLearningParams(), clock), store, 16, time.Minute, nil, nil)
	require.NoError(t, err)

	first, err := scores.Get(ctx, "a1")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	again, err := scores.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Same(t, first, again)

	clock.Advance(time.Minute)
	expired, err := scores.Get(ctx, "a1")
	require.NoError(t, err)
	assert.NotSame(t, first, expired)
	assert.True(t, expired.ComputedAt.After(first.ComputedAt))
}

// gatedReader blocks the first ResolvedVotes call until release is closed.
type gatedReader struct {
	*state.MemoryStore

	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (r *gatedReader) ResolvedVotes(ctx context.Context, agentID string) ([]core.ResolvedVote, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()

	if first {
		history, err := r.MemoryStore.ResolvedVotes(ctx, agentID)
		close(r.entered)
		<-r.release
		return history, err
	}
	return r.MemoryStore.ResolvedVotes(ctx, agentID)
}

func TestLearningScores_InvalidateDetachesInFlightRead(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := state.NewMemoryStore()
	seedResolved(t, store, resolvedVote(clock, "c1", 0.9, 0.9, day))

	reader := &gatedReader{MemoryStore: store, entered: make(chan struct{}), release: make(chan struct{})}
	scores, err := NewLearningScores(NewLearningScoreCalculator(DefaultLearningParams(), clock), reader, 16, time.Minute, nil, nil)
	require.NoError(t, err)

	stale := make(chan *core.LearningScoreSnapshot, 1)
	go func() {
		snap, err := scores.Get(ctx, "a1")
		assert.NoError(t, err)
		stale <- snap
	}()
	<-reader.entered

	seedResolved(t, store, resolvedVote(clock, "c2", 0.9, 0.1, day))
	scores.Invalidate("a1")

	fresh := make(chan *core.LearningScoreSnapshot, 1)
	go func() {
		snap, err := scores.Get(ctx, "a1")
		assert.NoError(t, err)
		fresh <- snap
	}()

	select {
	case snap := <-fresh:
		assert.Equal(t, 2, snap.ResolvedVotes)
	case <-time.After(5 * time.Second):
		t.Fatal("Get after Invalidate waited on the earlier computation")
	}

	close(reader.release)
	assert.Equal(t, 1, (<-stale).ResolvedVotes)

	cached, err := scores.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, cached.ResolvedVotes)
}

func TestLearningScores_ConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	store := state.NewMemoryStore()
	seedResolved(t, store,
		resolvedVote(clock, "c1", 0.9, 0.9, day),
		resolvedVote(clock, "c2", 0.1, 0.9, 40*day),
	)

	scores, err := NewLearningScores(NewLearningScoreCalculator(DefaultLearningParams(), clock), store, 16, time.Minute, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := scores.Get(ctx, "a1")
			assert.NoError(t, err)
			assert.Equal(t, 2, snap.ResolvedVotes)
		}()
	}
	wg.Wait()
}
