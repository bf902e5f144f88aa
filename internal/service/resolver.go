package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/events"
	"github.com/hugo-lorenzo-mato/gradient/internal/logging"
)

// ConsensusThresholds are the strict gradient bounds that resolve a claim.
type ConsensusThresholds struct {
	True  float64
	False float64
}

// DefaultConsensusThresholds returns 0.8 / 0.2.
func DefaultConsensusThresholds() ConsensusThresholds {
	return ConsensusThresholds{True: 0.8, False: 0.2}
}

// State returns the resolution a gradient calls for.
func (t ConsensusThresholds) State(gradient float64) core.ConsensusState {
	switch {
	case gradient > t.True:
		return core.ConsensusResolvedTrue
	case gradient < t.False:
		return core.ConsensusResolvedFalse
	default:
		return core.ConsensusPending
	}
}

// RewardPolicy holds the constants of the resolution reward formulas.
type RewardPolicy struct {
	AlignedBase     float64
	EarlyBonus      float64
	ConfidenceScale float64
	AlignedMin      float64
	AlignedMax      float64
	OpposedBase     float64
	DistanceScale   float64
	OpposedMin      float64
	OpposedMax      float64
}

// DefaultRewardPolicy returns gains in [5,20] and losses in [3,15].
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{
		AlignedBase:     10,
		EarlyBonus:      5,
		ConfidenceScale: 10,
		AlignedMin:      5,
		AlignedMax:      20,
		OpposedBase:     5,
		DistanceScale:   10,
		OpposedMin:      3,
		OpposedMax:      15,
	}
}

// VoteDelta returns the reputation change for a vote on a resolved claim.
// A vote of exactly 0.5 took no side and earns nothing (ok=false).
func (p RewardPolicy) VoteDelta(v core.Vote, outcome bool, finalGradient float64, resolvedAt time.Time) (delta float64, reason core.Reason, ok bool) {
	if v.Value == core.NeutralGradient {
		return 0, "", false
	}
	aligned := (v.Value > 0.5) == outcome
	if aligned {
		days := math.Floor(resolvedAt.Sub(v.CastAt).Hours() / 24)
		if days < 0 {
			days = 0
		}
		gain := p.AlignedBase + math.Max(0, p.EarlyBonus-days) + math.Abs(v.Value-0.5)*p.ConfidenceScale
		return clamp(gain, p.AlignedMin, p.AlignedMax), core.ReasonVoteAligned, true
	}
	loss := p.OpposedBase + math.Abs(v.Value-finalGradient)*p.DistanceScale
	return -clamp(loss, p.OpposedMin, p.OpposedMax), core.ReasonVoteOpposed, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// ConsensusEvent describes a claim resolution committed by this process.
// Skipped lists voters whose halted ledgers received no reward.
type ConsensusEvent struct {
	ClaimID   string                 `json:"claim_id"`
	Gradient  float64                `json:"gradient"`
	Outcome   bool                   `json:"outcome"`
	VoteCount int                    `json:"vote_count"`
	ReachedAt time.Time              `json:"reached_at"`
	Rewards   []core.ReputationEvent `json:"rewards"`
	Skipped   []string               `json:"skipped,omitempty"`
	Aggregate *core.ClaimAggregate   `json:"-"`
}

// ResolverConfig holds the resolver's collaborators.
type ResolverConfig struct {
	Thresholds ConsensusThresholds
	Rewards    RewardPolicy
	Clock      core.Clock
	Publisher  events.Publisher
	Logger     *logging.Logger
	Metrics    *Metrics
	Retry      *RetryPolicy
	// OnResolved is called with the voters of a newly resolved claim.
	OnResolved func(agentIDs []string)
}

// ConsensusResolver commits the one-time PENDING to RESOLVED transition of a
// claim together with every voter's reward, fenced by the aggregate version.
type ConsensusResolver struct {
	store      core.Store
	ledger     *ReputationLedger
	thresholds ConsensusThresholds
	rewards    RewardPolicy
	clock      core.Clock
	publisher  events.Publisher
	logger     *logging.Logger
	metrics    *Metrics
	retry      *RetryPolicy
	onResolved func(agentIDs []string)
}

// NewConsensusResolver creates a resolver.
func NewConsensusResolver(store core.Store, ledger *ReputationLedger, cfg ResolverConfig) *ConsensusResolver {
	r := &ConsensusResolver{
		store:      store,
		ledger:     ledger,
		thresholds: cfg.Thresholds,
		rewards:    cfg.Rewards,
		clock:      cfg.Clock,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		retry:      cfg.Retry,
		onResolved: cfg.OnResolved,
	}
	if r.thresholds == (ConsensusThresholds{}) {
		r.thresholds = DefaultConsensusThresholds()
	}
	if r.rewards == (RewardPolicy{}) {
		r.rewards = DefaultRewardPolicy()
	}
	if r.clock == nil {
		r.clock = core.SystemClock{}
	}
	if r.publisher == nil {
		r.publisher = events.Discard{}
	}
	if r.logger == nil {
		r.logger = logging.NewNop()
	}
	r.logger = r.logger.WithComponent("resolver")
	if r.retry == nil {
		r.retry = DefaultRetryPolicy()
	}
	return r
}

// Thresholds returns the resolution bounds.
func (r *ConsensusResolver) Thresholds() ConsensusThresholds {
	return r.thresholds
}

// OnAggregateUpdated resolves the claim if agg crossed a threshold while
// pending. It returns nil when nothing was resolved by this call, including
// when another writer resolved the claim first. Conflicts are retried
// against a freshly read aggregate.
func (r *ConsensusResolver) OnAggregateUpdated(ctx context.Context, agg *core.ClaimAggregate) (*ConsensusEvent, error) {
	if agg == nil || agg.ConsensusState.IsResolved() || r.thresholds.State(agg.Gradient) == core.ConsensusPending {
		return nil, nil
	}

	var result *ConsensusEvent
	current := agg
	err := r.retry.ExecuteWithNotify(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			fresh, err := r.store.GetAggregate(ctx, agg.ClaimID)
			if err != nil {
				return err
			}
			if fresh.ConsensusState.IsResolved() || r.thresholds.State(fresh.Gradient) == core.ConsensusPending {
				return nil
			}
			current = fresh
		}
		ev, err := r.resolve(ctx, current)
		if err != nil {
			return err
		}
		result = ev
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		r.metrics.ConflictRetry("resolve")
		r.logger.Warn("retrying resolution after version conflict",
			"claim_id", agg.ClaimID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// resolve commits the resolution iff the stored aggregate still has
// agg.Version.
func (r *ConsensusResolver) resolve(ctx context.Context, agg *core.ClaimAggregate) (*ConsensusEvent, error) {
	state := r.thresholds.State(agg.Gradient)
	outcome, _ := state.Outcome()

	votes, err := r.store.ListVotes(ctx, agg.ClaimID)
	if err != nil {
		return nil, err
	}
	voters := make([]string, 0, len(votes))
	for _, v := range votes {
		voters = append(voters, v.AgentID)
	}

	unlock := r.ledger.lockAgents(voters)
	defer unlock()

	now := r.clock.Now()
	gradient := agg.Gradient
	resolved := agg.Clone()
	resolved.ConsensusState = state
	resolved.ResolvedAt = &now
	resolved.ResolvedGradient = &gradient
	resolved.UpdatedAt = now
	resolved.Version = agg.Version + 1

	cs := &core.Changeset{
		Aggregate: &core.AggregateWrite{Aggregate: resolved, ExpectedVersion: agg.Version},
	}
	ev := &ConsensusEvent{
		ClaimID:   agg.ClaimID,
		Gradient:  gradient,
		Outcome:   outcome,
		VoteCount: agg.VoteCount,
		ReachedAt: now,
		Aggregate: resolved,
	}

	var plans []*ledgerPlan
	for _, v := range votes {
		cs.ResolvedVotes = append(cs.ResolvedVotes, core.ResolvedVote{
			AgentID:       v.AgentID,
			ClaimID:       v.ClaimID,
			Value:         v.Value,
			FinalGradient: gradient,
			Outcome:       outcome,
			CastAt:        v.CastAt,
			ResolvedAt:    now,
		})

		delta, reason, ok := r.rewards.VoteDelta(v, outcome, gradient, now)
		if !ok {
			continue
		}
		plan, err := r.ledger.prepare(ctx, v.AgentID, []DeltaRequest{{
			AgentID:        v.AgentID,
			Delta:          delta,
			Reason:         reason,
			RelatedClaimID: v.ClaimID,
		}}, now)
		if err != nil {
			if errors.Is(err, core.ErrLedgerHalted) || errors.Is(err, core.ErrLedgerInvariantViolation) {
				ev.Skipped = append(ev.Skipped, v.AgentID)
				r.metrics.RewardSkipped()
				r.logger.Error("reward withheld from halted ledger",
					"claim_id", v.ClaimID,
					"agent_id", v.AgentID,
					"delta", delta)
				continue
			}
			return nil, err
		}
		plan.apply(cs)
		plans = append(plans, plan)
	}

	if err := r.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	r.ledger.afterCommit(plans...)
	for _, p := range plans {
		ev.Rewards = append(ev.Rewards, p.events...)
	}

	r.metrics.Consensus(outcome)
	r.logger.Info("consensus reached",
		"claim_id", agg.ClaimID,
		"gradient", gradient,
		"outcome", outcome,
		"vote_count", agg.VoteCount,
		"rewarded", len(plans))
	r.publisher.PublishPriority(events.NewConsensusReachedEvent(agg.ClaimID, gradient, outcome, agg.VoteCount, now))

	if r.onResolved != nil && len(voters) > 0 {
		r.onResolved(voters)
	}
	return ev, nil
}
