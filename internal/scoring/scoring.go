// Package scoring turns rule hits and side signals into one bounded
// score, a tier, and a reconstructible explanation.
package scoring

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/opensource-trust/shrike/internal/domain"
)

// Input carries everything one aggregation reads. The aggregator itself
// holds no state, so evaluations never influence each other.
type Input struct {
	Ruleset *domain.Ruleset
	Hits    []domain.RuleHit
	Skipped []domain.SkippedRule

	// ReputationRisk is the derived [0,1] sender risk from extraction
	ReputationRisk float64

	// MLProbability is the optional model score in [0,1]; nil when the
	// provider is absent or failed
	MLProbability *float64

	// Notes are degradations observed upstream (absent fields, velocity
	// source down); they are carried into the explanation verbatim
	Notes []string
}

// Aggregator computes verdict scores. Safe for concurrent use.
type Aggregator struct {
	logger *slog.Logger
}

// NewAggregator creates a score aggregator.
func NewAggregator(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger}
}

// Aggregate produces the final score, tier, and explanation:
//
//  1. raw weight sum = rule weights + capped reputation weight
//  2. expert score = 100 * (1 - e^(-sum/100)), so stacked weak signals
//     approach but never force the ceiling
//  3. blend with the ML probability when present, expert-only otherwise
//  4. clamp into [ScoreMin, ScoreMax], recording whether clamping fired
//  5. any hard-stop hit overrides to ScoreMax
//
// Every intermediate value lands in the explanation so the arithmetic
// can be audited from storage alone.
func (a *Aggregator) Aggregate(in Input) (float64, domain.Tier, domain.Explanation) {
	rs := in.Ruleset

	repContribution := reputationContribution(rs.Blend, in.ReputationRisk)

	rawSum := repContribution
	for _, hit := range in.Hits {
		rawSum += hit.Weight
	}

	expert := DiminishingSum(rawSum)

	expl := domain.Explanation{
		Contributions: buildContributions(in, repContribution),
		RawWeightSum:  rawSum,
		ExpertScore:   expert,
		BlendAlpha:    rs.Blend.Alpha,
		Notes:         append([]string(nil), in.Notes...),
		SkippedRules:  in.Skipped,
	}

	for _, sk := range in.Skipped {
		expl.Notes = append(expl.Notes,
			fmt.Sprintf("rule %s skipped: condition failed to evaluate", sk.RuleID))
	}

	var blended float64
	if in.MLProbability != nil {
		p := *in.MLProbability
		ml := p * domain.ScoreMax
		expl.MLScore = &ml
		blended = rs.Blend.Alpha*expert + (1-rs.Blend.Alpha)*ml
	} else {
		blended = expert
		expl.Notes = append(expl.Notes, "ml probability unavailable; expert score used alone")
	}
	expl.BlendedScore = blended

	final := blended
	if final < domain.ScoreMin {
		final = domain.ScoreMin
		expl.Clamped = true
	}
	if final > domain.ScoreMax {
		final = domain.ScoreMax
		expl.Clamped = true
	}

	if hardStopHit := firstHardStop(in.Hits); hardStopHit != "" {
		final = domain.ScoreMax
		expl.Notes = append(expl.Notes,
			fmt.Sprintf("hard-stop rule %s fired; score forced to %.0f", hardStopHit, domain.ScoreMax))
	}

	expl.FinalScore = final
	expl.Tier = rs.TierFor(final)

	return final, expl.Tier, expl
}

// DiminishingSum maps an unbounded signed weight total into
// (-100, 100), monotonically. Positive evidence saturates toward 100;
// negative totals fall below 0 and are clamped by the caller.
func DiminishingSum(total float64) float64 {
	return domain.ScoreMax * (1 - math.Exp(-total/domain.ScoreMax))
}

// reputationContribution converts derived reputation risk into raw
// weight, bounded by the ruleset's cap.
func reputationContribution(blend domain.BlendConfig, risk float64) float64 {
	if risk <= 0 {
		return 0
	}
	contribution := blend.ReputationWeight * risk
	if contribution > blend.ReputationCap {
		contribution = blend.ReputationCap
	}
	return contribution
}

func firstHardStop(hits []domain.RuleHit) string {
	for _, hit := range hits {
		if hit.HardStop {
			return hit.RuleID
		}
	}
	return ""
}
