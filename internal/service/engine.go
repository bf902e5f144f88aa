package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/gradient/internal/config"
	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/events"
	"github.com/hugo-lorenzo-mato/gradient/internal/logging"
)

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Directory core.Directory
	Clock     core.Clock
	Publisher events.Publisher
	Logger    *logging.Logger
	Metrics   *Metrics
	Retry     *RetryPolicy

	Weight            WeightPolicy
	Consensus         ConsensusThresholds
	Rewards           RewardPolicy
	Tiers             TierThresholds
	Learning          LearningParams
	LearningCacheSize int
	LearningCacheTTL  time.Duration
	EvidenceUpvote    float64
	EvidenceDownvote  float64
}

// DefaultOptions returns the standard policy constants.
func DefaultOptions() Options {
	return Options{
		Weight:            DefaultWeightPolicy(),
		Consensus:         DefaultConsensusThresholds(),
		Rewards:           DefaultRewardPolicy(),
		Tiers:             DefaultTierThresholds(),
		Learning:          DefaultLearningParams(),
		LearningCacheSize: 1024,
		LearningCacheTTL:  5 * time.Minute,
		EvidenceUpvote:    5,
		EvidenceDownvote:  3,
	}
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) Options {
	consensus := ConsensusThresholds{True: cfg.Consensus.TrueThreshold, False: cfg.Consensus.FalseThreshold}
	return Options{
		Retry: NewRetryPolicy(
			WithMaxAttempts(cfg.Engine.MaxRetries),
			WithBaseDelay(cfg.Engine.RetryBaseDelayDuration()),
			WithMaxDelay(cfg.Engine.RetryMaxDelayDuration()),
		),
		Weight:    WeightPolicy{Divisor: cfg.Weight.Divisor, Min: cfg.Weight.Min},
		Consensus: consensus,
		Rewards: RewardPolicy{
			AlignedBase:     cfg.Rewards.AlignedBase,
			EarlyBonus:      cfg.Rewards.EarlyBonus,
			ConfidenceScale: cfg.Rewards.ConfidenceScale,
			AlignedMin:      cfg.Rewards.AlignedMin,
			AlignedMax:      cfg.Rewards.AlignedMax,
			OpposedBase:     cfg.Rewards.OpposedBase,
			DistanceScale:   cfg.Rewards.DistanceScale,
			OpposedMin:      cfg.Rewards.OpposedMin,
			OpposedMax:      cfg.Rewards.OpposedMax,
		},
		Tiers: TierThresholds{
			Established:    cfg.Tiers.Established,
			Trusted:        cfg.Tiers.Trusted,
			Hysteresis:     cfg.Tiers.Hysteresis,
			PromotionBonus: cfg.Tiers.PromotionBonus,
		},
		Learning: LearningParams{
			Window:        cfg.Learning.WindowDuration(),
			Windows:       cfg.Learning.Windows,
			SlopeScale:    cfg.Learning.SlopeScale,
			VarianceScale: cfg.Learning.VarianceScale,
			Thresholds:    consensus,
		},
		LearningCacheSize: cfg.Learning.CacheSize,
		LearningCacheTTL:  cfg.Learning.CacheTTLDuration(),
		EvidenceUpvote:    cfg.Rewards.EvidenceUpvote,
		EvidenceDownvote:  cfg.Rewards.EvidenceDownvote,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Clock == nil {
		o.Clock = core.SystemClock{}
	}
	if o.Publisher == nil {
		o.Publisher = events.Discard{}
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.Retry == nil {
		o.Retry = DefaultRetryPolicy()
	}
	if o.Weight == (WeightPolicy{}) {
		o.Weight = d.Weight
	}
	if o.Consensus == (ConsensusThresholds{}) {
		o.Consensus = d.Consensus
	}
	if o.Rewards == (RewardPolicy{}) {
		o.Rewards = d.Rewards
	}
	if o.Tiers == (TierThresholds{}) {
		o.Tiers = d.Tiers
	}
	if o.Learning.Window == 0 && o.Learning.Windows == 0 {
		o.Learning = d.Learning
		o.Learning.Thresholds = o.Consensus
	}
	if o.LearningCacheSize <= 0 {
		o.LearningCacheSize = d.LearningCacheSize
	}
	if o.EvidenceUpvote == 0 && o.EvidenceDownvote == 0 {
		o.EvidenceUpvote, o.EvidenceDownvote = d.EvidenceUpvote, d.EvidenceDownvote
	}
}

// CastResult is the outcome of a vote. Consensus is set when this vote
// resolved the claim.
type CastResult struct {
	Aggregate *core.ClaimAggregate `json:"aggregate"`
	Weight    float64              `json:"weight"`
	Consensus *ConsensusEvent      `json:"consensus,omitempty"`
}

// Engine is the entry point for collaborators. It serializes mutations per
// claim, derives vote weights, and runs the resolver after every aggregate
// change.
type Engine struct {
	store       core.Store
	directory   core.Directory
	clock       core.Clock
	publisher   events.Publisher
	logger      *logging.Logger
	metrics     *Metrics
	retry       *RetryPolicy
	weight      WeightPolicy
	claimLocks  *keyedMutex
	aggregator  *VoteAggregator
	resolver    *ConsensusResolver
	ledger      *ReputationLedger
	learning    *LearningScores
	leaderboard *Leaderboard
}

// NewEngine wires the engine over store and loads the leaderboard.
func NewEngine(ctx context.Context, store core.Store, opts Options) (*Engine, error) {
	opts.applyDefaults()

	board := NewLeaderboard()
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	board.Load(agents)

	calc := NewLearningScoreCalculator(opts.Learning, opts.Clock)
	learning, err := NewLearningScores(calc, store, opts.LearningCacheSize, opts.LearningCacheTTL, opts.Metrics, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating learning cache: %w", err)
	}

	ledger := NewReputationLedger(store, NewTierClassifier(opts.Tiers), LedgerConfig{
		Directory:        opts.Directory,
		Clock:            opts.Clock,
		Publisher:        opts.Publisher,
		Logger:           opts.Logger,
		Metrics:          opts.Metrics,
		Retry:            opts.Retry,
		Leaderboard:      board,
		EvidenceUpvote:   opts.EvidenceUpvote,
		EvidenceDownvote: opts.EvidenceDownvote,
	})

	resolver := NewConsensusResolver(store, ledger, ResolverConfig{
		Thresholds: opts.Consensus,
		Rewards:    opts.Rewards,
		Clock:      opts.Clock,
		Publisher:  opts.Publisher,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Retry:      opts.Retry,
		OnResolved: func(agentIDs []string) { learning.Invalidate(agentIDs...) },
	})

	e := &Engine{
		store:       store,
		directory:   opts.Directory,
		clock:       opts.Clock,
		publisher:   opts.Publisher,
		logger:      opts.Logger.WithComponent("engine"),
		metrics:     opts.Metrics,
		retry:       opts.Retry,
		weight:      opts.Weight,
		claimLocks:  newKeyedMutex(),
		aggregator:  NewVoteAggregator(store, opts.Clock, opts.Logger),
		resolver:    resolver,
		ledger:      ledger,
		learning:    learning,
		leaderboard: board,
	}
	e.logger.Info("engine ready", "agents", len(agents))
	return e, nil
}

// Ledger exposes the reputation ledger.
func (e *Engine) Ledger() *ReputationLedger {
	return e.ledger
}

// CastVote records a vote whose weight derives from the agent's reputation
// at cast time. The claim is resolved in the same call when the new gradient
// crosses a threshold. If that resolution fails, the committed result is
// returned together with the error.
func (e *Engine) CastVote(ctx context.Context, claimID, agentID string, value, reputationAtCast float64) (*CastResult, error) {
	defer e.metrics.ObserveSince("cast_vote", time.Now())

	if !core.ValidVoteValue(value) {
		return nil, core.InvalidVoteValue(value)
	}
	weight, err := e.weight.Weight(reputationAtCast)
	if err != nil {
		return nil, err
	}
	if err := e.checkClaim(ctx, claimID); err != nil {
		return nil, err
	}
	if err := e.checkAgent(ctx, agentID); err != nil {
		return nil, err
	}

	unlock := e.claimLocks.Lock(claimID)
	defer unlock()

	var agg *core.ClaimAggregate
	err = e.retry.ExecuteWithNotify(ctx, func(ctx context.Context, attempt int) error {
		var err error
		agg, err = e.aggregator.CastVote(ctx, claimID, agentID, value, weight)
		return err
	}, e.notifyRetry("cast_vote", claimID))
	if err != nil {
		return nil, err
	}
	e.metrics.Vote("cast")
	e.publisher.Publish(events.NewGradientUpdatedEvent(claimID, agg.Gradient, agg.VoteCount, agg.UpdatedAt))

	result := &CastResult{Aggregate: agg, Weight: weight}
	consensus, err := e.resolver.OnAggregateUpdated(ctx, agg)
	if err != nil {
		// The vote stays committed. Re-casting it is idempotent and runs
		// the resolution again.
		e.logger.Error("resolution failed after vote",
			"claim_id", claimID,
			"agent_id", agentID,
			"error", err)
		return result, err
	}
	if consensus != nil {
		result.Consensus = consensus
		result.Aggregate = consensus.Aggregate.Clone()
	}
	return result, nil
}

// RemoveVote withdraws a vote. Removing an absent vote returns the
// aggregate unchanged. A failed resolution is reported as in CastVote.
func (e *Engine) RemoveVote(ctx context.Context, claimID, agentID string) (*CastResult, error) {
	defer e.metrics.ObserveSince("remove_vote", time.Now())

	if err := e.checkClaim(ctx, claimID); err != nil {
		return nil, err
	}

	unlock := e.claimLocks.Lock(claimID)
	defer unlock()

	var (
		agg     *core.ClaimAggregate
		changed bool
	)
	err := e.retry.ExecuteWithNotify(ctx, func(ctx context.Context, attempt int) error {
		var err error
		agg, changed, err = e.aggregator.RemoveVote(ctx, claimID, agentID)
		return err
	}, e.notifyRetry("remove_vote", claimID))
	if err != nil {
		return nil, err
	}
	result := &CastResult{Aggregate: agg}
	if !changed {
		return result, nil
	}
	e.metrics.Vote("remove")
	e.publisher.Publish(events.NewGradientUpdatedEvent(claimID, agg.Gradient, agg.VoteCount, agg.UpdatedAt))

	consensus, err := e.resolver.OnAggregateUpdated(ctx, agg)
	if err != nil {
		e.logger.Error("resolution failed after vote removal",
			"claim_id", claimID,
			"agent_id", agentID,
			"error", err)
		return result, err
	}
	if consensus != nil {
		result.Consensus = consensus
		result.Aggregate = consensus.Aggregate.Clone()
	}
	return result, nil
}

// Aggregate returns a claim's aggregate. A claim the directory knows but
// nobody voted on reads as the neutral aggregate.
func (e *Engine) Aggregate(ctx context.Context, claimID string) (*core.ClaimAggregate, error) {
	agg, err := e.store.GetAggregate(ctx, claimID)
	if err == nil {
		return agg, nil
	}
	if errors.Is(err, core.ErrUnknownClaim) && e.directory != nil {
		if ok, derr := e.directory.ClaimExists(ctx, claimID); derr == nil && ok {
			return core.NewClaimAggregate(claimID), nil
		}
	}
	return nil, err
}

// GradientHistory returns up to limit recent gradient points, newest first.
func (e *Engine) GradientHistory(ctx context.Context, claimID string, limit int) ([]core.GradientPoint, error) {
	if _, err := e.Aggregate(ctx, claimID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	return e.store.GradientHistory(ctx, claimID, limit)
}

// Reconcile rescans a claim's votes, repairs drifted totals and retries a
// resolution that a crash may have left pending.
func (e *Engine) Reconcile(ctx context.Context, claimID string) (*ReconcileReport, error) {
	unlock := e.claimLocks.Lock(claimID)
	defer unlock()

	report, err := e.aggregator.Reconcile(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if report.Repaired {
		agg := report.Aggregate
		e.publisher.Publish(events.NewGradientUpdatedEvent(claimID, agg.Gradient, agg.VoteCount, agg.UpdatedAt))
	}
	consensus, err := e.resolver.OnAggregateUpdated(ctx, report.Aggregate)
	if err != nil {
		return nil, err
	}
	if consensus != nil {
		report.Aggregate = consensus.Aggregate.Clone()
	}
	return report, nil
}

// AgentCurrentScore returns an agent's live score and tier.
func (e *Engine) AgentCurrentScore(ctx context.Context, agentID string) (*core.AgentReputation, error) {
	return e.ledger.CurrentScore(ctx, agentID)
}

// History returns an agent's reputation events in append order.
func (e *Engine) History(ctx context.Context, agentID string) ([]core.ReputationEvent, error) {
	return e.ledger.History(ctx, agentID)
}

// LearningScore returns an agent's learning-score snapshot.
func (e *Engine) LearningScore(ctx context.Context, agentID string) (*core.LearningScoreSnapshot, error) {
	if _, err := e.ledger.CurrentScore(ctx, agentID); err != nil {
		return nil, err
	}
	return e.learning.Get(ctx, agentID)
}

// Leaderboard returns ranked agents, optionally filtered by tier.
func (e *Engine) Leaderboard(limit, offset int, tier *core.Tier) []LeaderboardEntry {
	return e.leaderboard.Top(limit, offset, tier)
}

// Rank returns an agent's position among all agents.
func (e *Engine) Rank(agentID string) (*AgentRank, error) {
	r, ok := e.leaderboard.Rank(agentID)
	if !ok {
		return nil, core.UnknownAgent(agentID)
	}
	return &r, nil
}

// VerifyAgent checks an agent's score against its event log.
func (e *Engine) VerifyAgent(ctx context.Context, agentID string) (*VerifyReport, error) {
	return e.ledger.Verify(ctx, agentID)
}

// RegisterAgent creates an agent at score 0.
func (e *Engine) RegisterAgent(ctx context.Context, agentID string) (*core.AgentReputation, error) {
	return e.ledger.RegisterAgent(ctx, agentID)
}

// ManualAdjustment records an operator correction.
func (e *Engine) ManualAdjustment(ctx context.Context, agentID string, delta float64, note string) (*AppendResult, error) {
	return e.ledger.ManualAdjustment(ctx, agentID, delta, note)
}

// ApplyEvidenceVote rewards or penalizes an evidence author.
func (e *Engine) ApplyEvidenceVote(ctx context.Context, authorID, evidenceID string, upvote bool) (*AppendResult, error) {
	return e.ledger.ApplyEvidenceVote(ctx, authorID, evidenceID, upvote)
}

func (e *Engine) checkClaim(ctx context.Context, claimID string) error {
	if claimID == "" {
		return core.ErrValidation(core.CodeInvalidArgument, "claim_id is required")
	}
	if e.directory == nil {
		return nil
	}
	ok, err := e.directory.ClaimExists(ctx, claimID)
	if err != nil {
		return fmt.Errorf("checking claim %s: %w", claimID, err)
	}
	if !ok {
		return core.UnknownClaim(claimID)
	}
	return nil
}

func (e *Engine) checkAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return core.ErrValidation(core.CodeInvalidArgument, "agent_id is required")
	}
	return e.ledger.checkAgentExists(ctx, agentID)
}

func (e *Engine) notifyRetry(op, claimID string) RetryNotifyFunc {
	return func(attempt int, err error, delay time.Duration) {
		e.metrics.ConflictRetry(op)
		e.logger.Warn("retrying after version conflict",
			"op", op,
			"claim_id", claimID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}
}
