package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

const metricsNamespace = "gradient"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	votes            *prometheus.CounterVec
	consensus        *prometheus.CounterVec
	reputationEvents *prometheus.CounterVec
	tierChanges      *prometheus.CounterVec
	conflictRetries  *prometheus.CounterVec
	ledgerViolations prometheus.Counter
	rewardsSkipped   prometheus.Counter
	learningCache    *prometheus.CounterVec
	duration         *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "votes_total",
			Help:      "Vote mutations applied, by operation.",
		}, []string{"op"}),
		consensus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "consensus_reached_total",
			Help:      "Claims resolved, by outcome.",
		}, []string{"outcome"}),
		reputationEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reputation_events_total",
			Help:      "Reputation events appended, by reason.",
		}, []string{"reason"}),
		tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tier_changes_total",
			Help:      "Tier transitions, by direction.",
		}, []string{"direction"}),
		conflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "conflict_retries_total",
			Help:      "Optimistic concurrency conflicts that were retried, by operation.",
		}, []string{"op"}),
		ledgerViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ledger_invariant_violations_total",
			Help:      "Agents halted because their score diverged from the event log.",
		}),
		rewardsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rewards_skipped_total",
			Help:      "Resolution rewards not applied because the voter's ledger is halted.",
		}),
		learningCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "learning_cache_requests_total",
			Help:      "Learning score cache lookups, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
	}

	collectors := []prometheus.Collector{
		m.votes, m.consensus, m.reputationEvents, m.tierChanges,
		m.conflictRetries, m.ledgerViolations, m.rewardsSkipped,
		m.learningCache, m.duration,
	}
	if reg != nil {
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Vote counts a vote mutation.
func (m *Metrics) Vote(op string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(op).Inc()
}

// Consensus counts a resolved claim.
func (m *Metrics) Consensus(outcome bool) {
	if m == nil {
		return
	}
	label := "false"
	if outcome {
		label = "true"
	}
	m.consensus.WithLabelValues(label).Inc()
}

// ReputationEvent counts an appended ledger event.
func (m *Metrics) ReputationEvent(reason core.Reason) {
	if m == nil {
		return
	}
	m.reputationEvents.WithLabelValues(string(reason)).Inc()
}

// TierChange counts a tier transition.
func (m *Metrics) TierChange(c core.TierChange) {
	if m == nil {
		return
	}
	direction := "demotion"
	if c.Promotion() {
		direction = "promotion"
	}
	m.tierChanges.WithLabelValues(direction).Inc()
}

// ConflictRetry counts a retried version conflict.
func (m *Metrics) ConflictRetry(op string) {
	if m == nil {
		return
	}
	m.conflictRetries.WithLabelValues(op).Inc()
}

// LedgerViolation counts a halted agent.
func (m *Metrics) LedgerViolation() {
	if m == nil {
		return
	}
	m.ledgerViolations.Inc()
}

// RewardSkipped counts a reward withheld from a halted ledger.
func (m *Metrics) RewardSkipped() {
	if m == nil {
		return
	}
	m.rewardsSkipped.Inc()
}

// LearningCache counts a cache lookup.
func (m *Metrics) LearningCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.learningCache.WithLabelValues(result).Inc()
}

// ObserveSince records the latency of op started at start.
func (m *Metrics) ObserveSince(op string, start time.Time) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
