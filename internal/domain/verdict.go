package domain

import (
	"time"
)

// Contribution directions for explanation entries.
const (
	DirectionRiskIncreasing = "risk_increasing"
	DirectionRiskDecreasing = "risk_decreasing"
	DirectionNeutral        = "neutral"
)

// Signal kinds for explanation entries.
const (
	SignalRule       = "rule"
	SignalReputation = "reputation"
	SignalML         = "ml_probability"
)

// RuleHit records one matched rule during an evaluation.
type RuleHit struct {
	RuleID      string                 `json:"ruleId"`
	Category    string                 `json:"category,omitempty"`
	Weight      float64                `json:"weight"`
	Explanation string                 `json:"explanation,omitempty"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	HardStop    bool                   `json:"hardStop,omitempty"`
}

// SignalContribution is the uniform record every contributor (rule hit,
// reputation signal, ML probability) is rendered into for the
// explanation trace.
type SignalContribution struct {
	Kind         string  `json:"kind"`
	Label        string  `json:"label"`
	Contribution float64 `json:"contribution"`
	Direction    string  `json:"direction"`
	Detail       string  `json:"detail,omitempty"`
}

// Explanation is the ordered, serializable audit trace for a verdict.
// It is fully reconstructible from storage without re-running the
// evaluation: all arithmetic inputs and every degradation (clamp,
// default substitution, skipped rule) are recorded.
type Explanation struct {
	Contributions []SignalContribution `json:"contributions"`

	// Aggregation arithmetic
	RawWeightSum float64 `json:"rawWeightSum"`
	ExpertScore  float64 `json:"expertScore"`
	MLScore      *float64 `json:"mlScore,omitempty"`
	BlendAlpha   float64 `json:"blendAlpha"`
	BlendedScore float64 `json:"blendedScore"`
	Clamped      bool    `json:"clamped"`
	FinalScore   float64 `json:"finalScore"`
	Tier         Tier    `json:"tier"`

	// Degradations and anomalies observed during evaluation
	Notes []string `json:"notes,omitempty"`

	// Rules whose conditions could not be evaluated (recorded as
	// non-firing, never escalated)
	SkippedRules []SkippedRule `json:"skippedRules,omitempty"`
}

// SkippedRule records a rule condition that failed to evaluate.
type SkippedRule struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
}

// Verdict is the immutable decision for one event under one ruleset
// version. Re-evaluation under a newer ruleset produces an additional
// verdict, never a mutation.
type Verdict struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	EventID        string    `json:"eventId"`
	RulesetVersion int       `json:"rulesetVersion"`
	Score          float64   `json:"score"`
	Tier           Tier      `json:"tier"`
	RuleHits       []RuleHit `json:"ruleHits"`

	Explanation Explanation `json:"explanation"`

	// Actions derived from tier via the ruleset's lookup table
	Actions []string `json:"actions"`

	CreatedAt time.Time `json:"createdAt"`

	Metadata VerdictMetadata `json:"metadata"`
}

// VerdictMetadata carries processing information.
type VerdictMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	ExtractMs      int64  `json:"extractMs"`
	RulesMs        int64  `json:"rulesMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion,omitempty"`
}

// Flagged reports whether the verdict counts as a scam call under the
// given binary cutoff tier.
func (v *Verdict) Flagged(cutoff Tier) bool {
	return TierAtOrAbove(v.Tier, cutoff)
}
