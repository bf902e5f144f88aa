package service

import (
	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

// maxPromotionRounds bounds the promote/bonus/re-classify loop: with three
// tiers an agent can climb at most twice.
const maxPromotionRounds = 2

// TierThresholds configures the tier boundaries.
type TierThresholds struct {
	Established    float64
	Trusted        float64
	Hysteresis     float64
	PromotionBonus float64
}

// DefaultTierThresholds returns the standard 200/500 boundaries with a
// 20 point demotion buffer and a 50 point promotion bonus.
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{
		Established:    200,
		Trusted:        500,
		Hysteresis:     20,
		PromotionBonus: 50,
	}
}

// TierClassifier maps a score and the previously held tier to a tier.
// Promotion happens at the threshold; demotion only once the score drops
// below threshold minus hysteresis.
type TierClassifier struct {
	t TierThresholds
}

// NewTierClassifier creates a classifier.
func NewTierClassifier(t TierThresholds) TierClassifier {
	return TierClassifier{t: t}
}

// Thresholds returns the configured boundaries.
func (c TierClassifier) Thresholds() TierThresholds {
	return c.t
}

// promoteAt returns the score needed to enter tier.
func (c TierClassifier) promoteAt(tier core.Tier) float64 {
	switch tier {
	case core.TierTrusted:
		return c.t.Trusted
	case core.TierEstablished:
		return c.t.Established
	default:
		return 0
	}
}

// Classify returns the tier for score given the tier held before it.
func (c TierClassifier) Classify(score float64, previous core.Tier) core.Tier {
	tier := previous
	if tier < core.TierNew || tier > core.TierTrusted {
		tier = core.TierNew
	}

	// Climb while the next tier's promotion threshold is met.
	for tier < core.TierTrusted && score >= c.promoteAt(tier+1) {
		tier++
	}
	if tier != previous {
		return tier
	}

	// Fall while the held tier's demotion point is undercut.
	for tier > core.TierNew && score < c.promoteAt(tier)-c.t.Hysteresis {
		tier--
	}
	return tier
}
