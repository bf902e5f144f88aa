package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/events"
	"github.com/hugo-lorenzo-mato/gradient/internal/logging"
)

// ledgerTolerance is the largest accepted gap between a projection and the
// sum of its event log.
const ledgerTolerance = 1e-9

// DeltaRequest asks the ledger to move an agent's score.
type DeltaRequest struct {
	AgentID        string
	Delta          float64
	Reason         core.Reason
	RelatedClaimID string
	ReferenceID    string
	Note           string
}

func (r DeltaRequest) validate() error {
	if r.AgentID == "" {
		return core.ErrValidation(core.CodeInvalidArgument, "agent_id is required")
	}
	if math.IsNaN(r.Delta) || math.IsInf(r.Delta, 0) {
		return core.ErrValidation(core.CodeInvalidArgument, "delta must be finite").WithDetail("delta", r.Delta)
	}
	if !r.Reason.Valid() {
		return core.ErrValidation(core.CodeInvalidArgument, fmt.Sprintf("unknown reason %q", r.Reason))
	}
	if r.Reason == core.ReasonTierPromotion {
		return core.ErrValidation(core.CodeInvalidArgument, "tier promotion bonuses are generated by the ledger")
	}
	return nil
}

// AppendResult is the outcome of a ledger append.
type AppendResult struct {
	Agent       core.AgentReputation   `json:"agent"`
	Events      []core.ReputationEvent `json:"events"`
	TierChanges []core.TierChange      `json:"tier_changes,omitempty"`
}

// VerifyReport is the outcome of a ledger consistency check.
type VerifyReport struct {
	AgentID string  `json:"agent_id"`
	Score   float64 `json:"score"`
	LogSum  float64 `json:"log_sum"`
	Events  int     `json:"events"`
	Halted  bool    `json:"halted"`
}

// LedgerConfig holds the ledger's collaborators. Nil fields get no-op or
// default implementations.
type LedgerConfig struct {
	Directory        core.Directory
	Clock            core.Clock
	Publisher        events.Publisher
	Logger           *logging.Logger
	Metrics          *Metrics
	Retry            *RetryPolicy
	Leaderboard      *Leaderboard
	EvidenceUpvote   float64
	EvidenceDownvote float64
}

// ReputationLedger appends reputation events and keeps each agent's
// projection equal to the sum of its log. Appends for one agent are
// serialized; appends for different agents proceed in parallel.
type ReputationLedger struct {
	store            core.Store
	classifier       TierClassifier
	directory        core.Directory
	clock            core.Clock
	publisher        events.Publisher
	logger           *logging.Logger
	metrics          *Metrics
	retry            *RetryPolicy
	board            *Leaderboard
	evidenceUpvote   float64
	evidenceDownvote float64

	locks *keyedMutex

	mu       sync.Mutex
	verified map[string]bool
	halted   map[string]bool
}

// NewReputationLedger creates a ledger over store.
func NewReputationLedger(store core.Store, classifier TierClassifier, cfg LedgerConfig) *ReputationLedger {
	l := &ReputationLedger{
		store:            store,
		classifier:       classifier,
		directory:        cfg.Directory,
		clock:            cfg.Clock,
		publisher:        cfg.Publisher,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		retry:            cfg.Retry,
		board:            cfg.Leaderboard,
		evidenceUpvote:   cfg.EvidenceUpvote,
		evidenceDownvote: cfg.EvidenceDownvote,
		locks:            newKeyedMutex(),
		verified:         make(map[string]bool),
		halted:           make(map[string]bool),
	}
	if l.clock == nil {
		l.clock = core.SystemClock{}
	}
	if l.publisher == nil {
		l.publisher = events.Discard{}
	}
	if l.logger == nil {
		l.logger = logging.NewNop()
	}
	l.logger = l.logger.WithComponent("ledger")
	if l.retry == nil {
		l.retry = DefaultRetryPolicy()
	}
	if l.board == nil {
		l.board = NewLeaderboard()
	}
	if l.evidenceUpvote == 0 && l.evidenceDownvote == 0 {
		l.evidenceUpvote, l.evidenceDownvote = 5, 3
	}
	return l
}

// Append records a reputation change and returns the agent's projection
// after it, including any promotion bonus it triggered.
func (l *ReputationLedger) Append(ctx context.Context, req DeltaRequest) (*AppendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := l.checkAgentExists(ctx, req.AgentID); err != nil {
		return nil, err
	}

	var result *AppendResult
	err := l.retry.ExecuteWithNotify(ctx, func(ctx context.Context, attempt int) error {
		unlock := l.locks.Lock(req.AgentID)
		defer unlock()

		plan, err := l.prepare(ctx, req.AgentID, []DeltaRequest{req}, l.clock.Now())
		if err != nil {
			return err
		}
		cs := &core.Changeset{}
		plan.apply(cs)
		if err := l.store.Commit(ctx, cs); err != nil {
			return err
		}
		l.afterCommit(plan)
		result = plan.result()
		return nil
	}, l.notifyRetry("ledger_append", req.AgentID))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyEvidenceVote rewards or penalizes the author of a piece of evidence.
func (l *ReputationLedger) ApplyEvidenceVote(ctx context.Context, authorID, evidenceID string, upvote bool) (*AppendResult, error) {
	if evidenceID == "" {
		return nil, core.ErrValidation(core.CodeInvalidArgument, "evidence_id is required")
	}
	req := DeltaRequest{
		AgentID:     authorID,
		Delta:       l.evidenceUpvote,
		Reason:      core.ReasonEvidenceUpvoted,
		ReferenceID: evidenceID,
	}
	if !upvote {
		req.Delta = -l.evidenceDownvote
		req.Reason = core.ReasonEvidenceDownvoted
	}
	return l.Append(ctx, req)
}

// ManualAdjustment records an operator correction.
func (l *ReputationLedger) ManualAdjustment(ctx context.Context, agentID string, delta float64, note string) (*AppendResult, error) {
	if note == "" {
		return nil, core.ErrValidation(core.CodeInvalidArgument, "a note is required for manual adjustments")
	}
	return l.Append(ctx, DeltaRequest{
		AgentID: agentID,
		Delta:   delta,
		Reason:  core.ReasonManualAdjustment,
		Note:    note,
	})
}

// RegisterAgent creates an empty projection at score 0, tier NEW. It is
// idempotent.
func (l *ReputationLedger) RegisterAgent(ctx context.Context, agentID string) (*core.AgentReputation, error) {
	if agentID == "" {
		return nil, core.ErrValidation(core.CodeInvalidArgument, "agent_id is required")
	}
	if err := l.checkAgentExists(ctx, agentID); err != nil {
		return nil, err
	}

	var agent *core.AgentReputation
	err := l.retry.ExecuteWithNotify(ctx, func(ctx context.Context, attempt int) error {
		unlock := l.locks.Lock(agentID)
		defer unlock()

		existing, err := l.store.GetAgent(ctx, agentID)
		if err == nil {
			agent = existing
			return nil
		}
		if !errors.Is(err, core.ErrUnknownAgent) {
			return err
		}

		now := l.clock.Now()
		fresh := core.AgentReputation{
			AgentID:   agentID,
			Tier:      core.TierNew,
			CreatedAt: now,
			UpdatedAt: now,
		}
		cs := &core.Changeset{Agents: []core.AgentWrite{{Agent: fresh, Create: true}}}
		if err := l.store.Commit(ctx, cs); err != nil {
			return err
		}
		l.markVerified(agentID)
		l.board.Upsert(fresh)
		l.logger.Info("agent registered", "agent_id", agentID)
		agent = &fresh
		return nil
	}, l.notifyRetry("register_agent", agentID))
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// CurrentScore returns the agent's projection. An agent the directory knows
// but the ledger has never seen reads as score 0, tier NEW.
func (l *ReputationLedger) CurrentScore(ctx context.Context, agentID string) (*core.AgentReputation, error) {
	agent, err := l.store.GetAgent(ctx, agentID)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, core.ErrUnknownAgent) {
		return nil, err
	}
	if l.directoryKnows(ctx, agentID) {
		return &core.AgentReputation{AgentID: agentID, Tier: core.TierNew}, nil
	}
	return nil, err
}

// History returns the agent's events in append order.
func (l *ReputationLedger) History(ctx context.Context, agentID string) ([]core.ReputationEvent, error) {
	if _, err := l.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, core.ErrUnknownAgent) && l.directoryKnows(ctx, agentID) {
			return []core.ReputationEvent{}, nil
		}
		return nil, err
	}
	return l.store.History(ctx, agentID)
}

// Halted reports whether writes for the agent are refused.
func (l *ReputationLedger) Halted(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted[agentID]
}

// Verify recomputes the agent's score from its event log. A mismatch halts
// the agent's ledger. A halted agent whose log verifies again is resumed.
func (l *ReputationLedger) Verify(ctx context.Context, agentID string) (*VerifyReport, error) {
	unlock := l.locks.Lock(agentID)
	defer unlock()

	report, err := l.verifyLocked(ctx, agentID)
	if err != nil {
		return report, err
	}

	l.mu.Lock()
	wasHalted := l.halted[agentID]
	delete(l.halted, agentID)
	l.mu.Unlock()
	if wasHalted {
		l.logger.Warn("ledger writes resumed after successful verification", "agent_id", agentID)
	}
	return report, nil
}

func (l *ReputationLedger) verifyLocked(ctx context.Context, agentID string) (*VerifyReport, error) {
	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	history, err := l.store.History(ctx, agentID)
	if err != nil {
		return nil, err
	}

	sum := 0.0
	ordered := true
	for i, ev := range history {
		sum += ev.Delta
		if ev.Seq != int64(i+1) {
			ordered = false
		}
	}

	report := &VerifyReport{
		AgentID: agentID,
		Score:   agent.Score,
		LogSum:  sum,
		Events:  len(history),
	}
	if math.Abs(sum-agent.Score) > ledgerTolerance || !ordered || agent.Version != int64(len(history)) {
		report.Halted = true
		l.halt(agentID, agent.Score, sum)
		return report, core.LedgerInvariantViolation(agentID, agent.Score, sum).
			WithDetail("events", len(history)).
			WithDetail("version", agent.Version)
	}

	l.markVerified(agentID)
	return report, nil
}

func (l *ReputationLedger) halt(agentID string, projected, logSum float64) {
	l.mu.Lock()
	l.halted[agentID] = true
	delete(l.verified, agentID)
	l.mu.Unlock()

	l.metrics.LedgerViolation()
	l.logger.Error("ledger invariant violated, halting writes for agent",
		"agent_id", agentID,
		"projected_score", projected,
		"log_sum", logSum)
	l.publisher.PublishPriority(events.NewLedgerHaltedEvent(agentID, projected, logSum, l.clock.Now()))
}

func (l *ReputationLedger) markVerified(agentID string) {
	l.mu.Lock()
	l.verified[agentID] = true
	l.mu.Unlock()
}

// ensureVerified checks an agent's log the first time this process writes
// to it. The caller holds the agent lock.
func (l *ReputationLedger) ensureVerified(ctx context.Context, agentID string) error {
	l.mu.Lock()
	done := l.verified[agentID]
	l.mu.Unlock()
	if done {
		return nil
	}
	_, err := l.verifyLocked(ctx, agentID)
	if errors.Is(err, core.ErrUnknownAgent) {
		return nil
	}
	return err
}

func (l *ReputationLedger) checkAgentExists(ctx context.Context, agentID string) error {
	if l.directory == nil {
		return nil
	}
	ok, err := l.directory.AgentExists(ctx, agentID)
	if err != nil {
		return fmt.Errorf("checking agent %s: %w", agentID, err)
	}
	if !ok {
		return core.UnknownAgent(agentID)
	}
	return nil
}

func (l *ReputationLedger) directoryKnows(ctx context.Context, agentID string) bool {
	if l.directory == nil {
		return false
	}
	ok, err := l.directory.AgentExists(ctx, agentID)
	return err == nil && ok
}

func (l *ReputationLedger) notifyRetry(op, agentID string) RetryNotifyFunc {
	return func(attempt int, err error, delay time.Duration) {
		l.metrics.ConflictRetry(op)
		l.logger.Warn("retrying after version conflict",
			"op", op,
			"agent_id", agentID,
			"attempt", attempt,
			"delay", delay,
			"error", err)
	}
}

// lockAgents acquires the locks of several agents in a deadlock-free order.
func (l *ReputationLedger) lockAgents(agentIDs []string) func() {
	return l.locks.LockAll(agentIDs)
}

// ledgerPlan holds the writes one agent needs for a batch of requests. It is
// built under the agent lock and committed by the caller.
type ledgerPlan struct {
	write       core.AgentWrite
	events      []core.ReputationEvent
	tierChanges []core.TierChange
}

// prepare plans reqs against the agent's current projection. The caller
// holds the agent lock.
func (l *ReputationLedger) prepare(ctx context.Context, agentID string, reqs []DeltaRequest, now time.Time) (*ledgerPlan, error) {
	if l.Halted(agentID) {
		return nil, core.LedgerHalted(agentID)
	}
	if err := l.ensureVerified(ctx, agentID); err != nil {
		return nil, err
	}

	current, err := l.store.GetAgent(ctx, agentID)
	create := false
	switch {
	case err == nil:
	case errors.Is(err, core.ErrUnknownAgent):
		current = &core.AgentReputation{AgentID: agentID, Tier: core.TierNew, CreatedAt: now}
		create = true
	default:
		return nil, err
	}

	plan := &ledgerPlan{write: core.AgentWrite{ExpectedVersion: current.Version, Create: create}}
	proj := *current
	for _, req := range reqs {
		plan.record(&proj, req, req.Delta, req.Reason, now)
		l.promote(plan, &proj, req, now)
	}
	proj.UpdatedAt = now
	plan.write.Agent = proj
	return plan, nil
}

// record appends one event. The applied delta never takes the score below
// zero, so the running sum of deltas always equals the score.
func (p *ledgerPlan) record(proj *core.AgentReputation, req DeltaRequest, requested float64, reason core.Reason, now time.Time) {
	delta := math.Max(requested, -proj.Score)
	previous := proj.Score
	proj.Score = previous + delta
	proj.Version++
	p.events = append(p.events, core.ReputationEvent{
		EventID:        uuid.NewString(),
		AgentID:        proj.AgentID,
		Seq:            proj.Version,
		PreviousScore:  previous,
		Delta:          delta,
		RequestedDelta: requested,
		NewScore:       proj.Score,
		Reason:         reason,
		RelatedClaimID: req.RelatedClaimID,
		ReferenceID:    req.ReferenceID,
		Note:           req.Note,
		OccurredAt:     now,
	})
}

// promote re-classifies the projection, granting one bonus per tier gained,
// until the tier is stable.
func (l *ReputationLedger) promote(p *ledgerPlan, proj *core.AgentReputation, req DeltaRequest, now time.Time) {
	bonus := l.classifier.Thresholds().PromotionBonus
	for round := 0; round < maxPromotionRounds; round++ {
		next := l.classifier.Classify(proj.Score, proj.Tier)
		if next == proj.Tier {
			return
		}
		p.tierChanges = append(p.tierChanges, core.TierChange{AgentID: proj.AgentID, Previous: proj.Tier, New: next})
		if next < proj.Tier {
			proj.Tier = next
			return
		}
		steps := int(next - proj.Tier)
		proj.Tier = next
		if bonus <= 0 {
			return
		}
		for i := 0; i < steps; i++ {
			p.record(proj, DeltaRequest{RelatedClaimID: req.RelatedClaimID}, bonus, core.ReasonTierPromotion, now)
		}
	}
}

func (p *ledgerPlan) apply(cs *core.Changeset) {
	cs.Agents = append(cs.Agents, p.write)
	cs.Events = append(cs.Events, p.events...)
}

func (p *ledgerPlan) result() *AppendResult {
	return &AppendResult{
		Agent:       p.write.Agent,
		Events:      p.events,
		TierChanges: p.tierChanges,
	}
}

// afterCommit publishes the plan's events. The caller still holds the agent
// lock so events for one agent are published in append order.
func (l *ReputationLedger) afterCommit(plans ...*ledgerPlan) {
	for _, p := range plans {
		agent := p.write.Agent
		l.markVerified(agent.AgentID)
		l.board.Upsert(agent)

		for _, ev := range p.events {
			l.metrics.ReputationEvent(ev.Reason)
			l.logger.Debug("reputation changed",
				"agent_id", ev.AgentID,
				"seq", ev.Seq,
				"delta", ev.Delta,
				"new_score", ev.NewScore,
				"reason", string(ev.Reason),
				"claim_id", ev.RelatedClaimID)
			l.publisher.Publish(events.NewReputationChangedEvent(
				ev.AgentID, ev.PreviousScore, ev.NewScore, ev.Delta,
				string(ev.Reason), ev.RelatedClaimID, ev.OccurredAt))
		}
		for _, c := range p.tierChanges {
			l.metrics.TierChange(c)
			l.logger.Info("tier changed",
				"agent_id", c.AgentID,
				"previous_tier", c.Previous.String(),
				"new_tier", c.New.String())
			l.publisher.PublishPriority(events.NewTierChangedEvent(
				c.AgentID, c.Previous.String(), c.New.String(), agent.UpdatedAt))
		}
	}
}
