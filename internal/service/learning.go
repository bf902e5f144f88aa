package service

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/montanaflynn/stats"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/stat"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/logging"
)

// neutralComponent is reported for consistency and improvement when fewer
// than two windows hold data.
const neutralComponent = 0.5

// LearningParams configures the learning-score formula. Accuracy is
// bucketed into Windows windows of length Window counted back from now.
// SlopeScale is k in 0.5 + 0.5*tanh(slope/k); VarianceScale multiplies the
// accuracy variance before it is subtracted from 1.
type LearningParams struct {
	Window        time.Duration
	Windows       int
	SlopeScale    float64
	VarianceScale float64
	Thresholds    ConsensusThresholds
}

// DefaultLearningParams returns three 30-day windows.
func DefaultLearningParams() LearningParams {
	return LearningParams{
		Window:        720 * time.Hour,
		Windows:       3,
		SlopeScale:    0.25,
		VarianceScale: 1,
		Thresholds:    DefaultConsensusThresholds(),
	}
}

// LearningScoreCalculator derives a LearningScoreSnapshot from an agent's
// resolved votes. It holds no state.
type LearningScoreCalculator struct {
	params LearningParams
	clock  core.Clock
}

// NewLearningScoreCalculator creates a calculator.
func NewLearningScoreCalculator(params LearningParams, clock core.Clock) *LearningScoreCalculator {
	if params.Window <= 0 {
		params.Window = DefaultLearningParams().Window
	}
	if params.Windows < 1 {
		params.Windows = DefaultLearningParams().Windows
	}
	if params.SlopeScale <= 0 {
		params.SlopeScale = DefaultLearningParams().SlopeScale
	}
	if params.Thresholds == (ConsensusThresholds{}) {
		params.Thresholds = DefaultConsensusThresholds()
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &LearningScoreCalculator{params: params, clock: clock}
}

// Compute scores history. With no resolved votes Accuracy and Score are nil.
func (c *LearningScoreCalculator) Compute(agentID string, history []core.ResolvedVote) *core.LearningScoreSnapshot {
	now := c.clock.Now()
	snap := &core.LearningScoreSnapshot{
		AgentID:     agentID,
		Consistency: neutralComponent,
		Improvement: neutralComponent,
		ComputedAt:  now,
	}

	// Bucket 0 is the most recent window.
	correct := make([]int, c.params.Windows)
	total := make([]int, c.params.Windows)
	for _, v := range history {
		ok := v.Correct(c.params.Thresholds.True, c.params.Thresholds.False)
		snap.ResolvedVotes++
		if ok {
			snap.CorrectVotes++
		}

		age := now.Sub(v.CastAt)
		if age < 0 {
			age = 0
		}
		idx := int(age / c.params.Window)
		if idx >= c.params.Windows {
			continue
		}
		total[idx]++
		if ok {
			correct[idx]++
		}
	}
	if snap.ResolvedVotes == 0 {
		return snap
	}

	accuracy := float64(snap.CorrectVotes) / float64(snap.ResolvedVotes)
	snap.Accuracy = &accuracy

	// Oldest window first; empty windows are skipped but keep their position.
	var xs, ys []float64
	for idx := c.params.Windows - 1; idx >= 0; idx-- {
		if total[idx] == 0 {
			continue
		}
		xs = append(xs, float64(c.params.Windows-1-idx))
		ys = append(ys, float64(correct[idx])/float64(total[idx]))
	}

	if len(ys) >= 2 {
		if variance, err := stats.PopulationVariance(ys); err == nil {
			snap.Consistency = clamp(1-c.params.VarianceScale*variance, 0, 1)
		}
		_, slope := stat.LinearRegression(xs, ys, nil, false)
		snap.Improvement = normalizeSlope(slope, c.params.SlopeScale)
	}

	score := 0.5*accuracy + 0.25*snap.Consistency + 0.25*snap.Improvement
	snap.Score = &score
	return snap
}

// normalizeSlope maps an accuracy slope per window into [0,1]; a flat trend
// maps to 0.5.
func normalizeSlope(slope, k float64) float64 {
	if math.IsNaN(slope) {
		return neutralComponent
	}
	return 0.5 + 0.5*math.Tanh(slope/k)
}

// LearningScores serves snapshots from a TTL-bounded LRU cache. Concurrent
// requests for one agent share a single computation.
type LearningScores struct {
	calc    *LearningScoreCalculator
	store   core.LedgerReader
	cache   *lru.Cache
	ttl     time.Duration
	group   singleflight.Group
	clock   core.Clock
	metrics *Metrics
	logger  *logging.Logger

	// generation advances on every invalidation; a computation that raced
	// with one is not cached.
	generation atomic.Uint64
}

type cachedSnapshot struct {
	snap    *core.LearningScoreSnapshot
	expires time.Time
}

// NewLearningScores creates a cached learning-score service.
func NewLearningScores(calc *LearningScoreCalculator, store core.LedgerReader, size int, ttl time.Duration, metrics *Metrics, logger *logging.Logger) (*LearningScores, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LearningScores{
		calc:    calc,
		store:   store,
		cache:   cache,
		ttl:     ttl,
		clock:   calc.clock,
		metrics: metrics,
		logger:  logger.WithComponent("learning"),
	}, nil
}

// Get returns the agent's snapshot, computing it if the cached one is
// missing or expired.
func (s *LearningScores) Get(ctx context.Context, agentID string) (*core.LearningScoreSnapshot, error) {
	if v, ok := s.cache.Get(agentID); ok {
		entry := v.(cachedSnapshot)
		if s.clock.Now().Before(entry.expires) {
			s.metrics.LearningCache(true)
			return entry.snap, nil
		}
		s.cache.Remove(agentID)
	}
	s.metrics.LearningCache(false)

	v, err, _ := s.group.Do(agentID, func() (interface{}, error) {
		gen := s.generation.Load()
		history, err := s.store.ResolvedVotes(ctx, agentID)
		if err != nil {
			return nil, err
		}
		snap := s.calc.Compute(agentID, history)
		if s.ttl > 0 && s.generation.Load() == gen {
			s.cache.Add(agentID, cachedSnapshot{snap: snap, expires: snap.ComputedAt.Add(s.ttl)})
		}
		s.logger.Debug("learning score computed",
			"agent_id", agentID,
			"resolved_votes", snap.ResolvedVotes)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.LearningScoreSnapshot), nil
}

// Invalidate drops cached snapshots for agentIDs. Reads after it start a
// new computation instead of joining one already in flight.
func (s *LearningScores) Invalidate(agentIDs ...string) {
	s.generation.Add(1)
	for _, id := range agentIDs {
		s.group.Forget(id)
		s.cache.Remove(id)
	}
}

// Len reports the number of cached snapshots.
func (s *LearningScores) Len() int {
	return s.cache.Len()
}
