package domain

import "time"

// Tier is a discrete risk bucket, T0 (lowest) through T3 (highest).
type Tier string

const (
	TierT0 Tier = "T0"
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// Tiers lists all tiers in ascending risk order.
var Tiers = []Tier{TierT0, TierT1, TierT2, TierT3}

// Score bounds. Every verdict score is clamped into this range.
const (
	ScoreMin = 0.0
	ScoreMax = 100.0
)

// Rule defines one detection rule inside a Ruleset.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// CEL expression over the feature vector; must return bool
	Condition string `json:"condition" yaml:"condition"`

	// Signed contribution: positive raises scam likelihood, negative lowers it
	Weight float64 `json:"weight" yaml:"weight"`

	// Category groups rules in explanations (e.g. "spoofing", "urgency")
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	// Explanation template rendered into the rule hit
	Explanation string `json:"explanation,omitempty" yaml:"explanation,omitempty"`

	// HardStop forces the maximum score and T3 when the rule fires
	HardStop bool `json:"hardStop,omitempty" yaml:"hard_stop,omitempty"`
}

// TierThreshold maps the lower bound of a score range to a tier.
// Ranges are closed-open on the lower bound; the highest tier closes at
// ScoreMax inclusive.
type TierThreshold struct {
	Tier  Tier    `json:"tier" yaml:"tier"`
	Lower float64 `json:"lower" yaml:"lower"`
}

// BlendConfig declares how heterogeneous signals combine into one score.
// It is part of the Ruleset so operators can retune blending without an
// engine change.
type BlendConfig struct {
	// Alpha is the expert (rule) share when an ML probability is present:
	// score = alpha*expert + (1-alpha)*100*p
	Alpha float64 `json:"alpha" yaml:"alpha"`

	// ReputationWeight scales the derived reputation risk [0,1] into
	// weight added alongside rule weights
	ReputationWeight float64 `json:"reputationWeight" yaml:"reputation_weight"`

	// ReputationCap bounds the reputation contribution
	ReputationCap float64 `json:"reputationCap" yaml:"reputation_cap"`
}

// Ruleset is an immutable, versioned collection of rules plus the
// scoring policy. Publication always produces a new version; versions
// are never edited in place, so every past verdict stays reproducible.
type Ruleset struct {
	Version   int       `json:"version"`
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"createdAt"`

	Rules []Rule `json:"rules" yaml:"rules"`

	// Thresholds partition [ScoreMin, ScoreMax] with no gaps or overlaps
	Thresholds []TierThreshold `json:"thresholds" yaml:"thresholds"`

	Blend BlendConfig `json:"blend" yaml:"blend"`

	// ActionsByTier is the fixed action lookup for verdicts
	ActionsByTier map[Tier][]string `json:"actionsByTier" yaml:"actions"`

	// ScamTierCutoff is the lowest tier counted as "flagged scam" when
	// reconciling against binary feedback labels
	ScamTierCutoff Tier `json:"scamTierCutoff" yaml:"scam_tier_cutoff"`
}

// TierFor maps a clamped score to its tier using the threshold table.
// Assumes the table passed validation (exhaustive, strictly increasing).
func (rs *Ruleset) TierFor(score float64) Tier {
	tier := rs.Thresholds[0].Tier
	for _, t := range rs.Thresholds {
		if score >= t.Lower {
			tier = t.Tier
		}
	}
	return tier
}

// ActionsFor returns the recommended actions for a tier.
func (rs *Ruleset) ActionsFor(tier Tier) []string {
	return rs.ActionsByTier[tier]
}

// TierAtOrAbove reports whether a is at or above b in risk order.
func TierAtOrAbove(a, b Tier) bool {
	return tierRank(a) >= tierRank(b)
}

func tierRank(t Tier) int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// DefaultBlend mirrors the stock policy: 70% expert weight, reputation
// risk worth up to 40 points of raw weight.
func DefaultBlend() BlendConfig {
	return BlendConfig{
		Alpha:            0.7,
		ReputationWeight: 40.0,
		ReputationCap:    40.0,
	}
}

// DefaultThresholds returns the stock tier partition.
func DefaultThresholds() []TierThreshold {
	return []TierThreshold{
		{Tier: TierT0, Lower: 0},
		{Tier: TierT1, Lower: 25},
		{Tier: TierT2, Lower: 50},
		{Tier: TierT3, Lower: 80},
	}
}

// DefaultActions returns the stock tier-to-action table.
func DefaultActions() map[Tier][]string {
	return map[Tier][]string{
		TierT0: {"allow"},
		TierT1: {"warn_user", "log"},
		TierT2: {"strong_warn", "limit_actions", "request_verification"},
		TierT3: {"block", "escalate_manual_review"},
	}
}
