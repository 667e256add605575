package scoring

import (
	"fmt"

	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/rules"
)

// buildContributions renders every contributor into the uniform signal
// record: rule hits first (heaviest first), then the reputation signal,
// then the ML probability. The ordering is deterministic so stored
// explanations diff cleanly across re-evaluations.
func buildContributions(in Input, repContribution float64) []domain.SignalContribution {
	hits := append([]domain.RuleHit(nil), in.Hits...)
	rules.SortHits(hits)

	contributions := make([]domain.SignalContribution, 0, len(hits)+2)
	for _, hit := range hits {
		contributions = append(contributions, domain.SignalContribution{
			Kind:         domain.SignalRule,
			Label:        hit.RuleID,
			Contribution: hit.Weight,
			Direction:    direction(hit.Weight),
			Detail:       hit.Explanation,
		})
	}

	if repContribution > 0 {
		contributions = append(contributions, domain.SignalContribution{
			Kind:         domain.SignalReputation,
			Label:        "sender_reputation",
			Contribution: repContribution,
			Direction:    domain.DirectionRiskIncreasing,
			Detail:       fmt.Sprintf("derived reputation risk %.2f", in.ReputationRisk),
		})
	}

	if in.MLProbability != nil {
		p := *in.MLProbability
		contributions = append(contributions, domain.SignalContribution{
			Kind:         domain.SignalML,
			Label:        "ml_probability",
			Contribution: (1 - in.Ruleset.Blend.Alpha) * p * domain.ScoreMax,
			Direction:    direction(p - 0.5),
			Detail:       fmt.Sprintf("model probability %.3f blended at %.2f", p, 1-in.Ruleset.Blend.Alpha),
		})
	}

	return contributions
}

func direction(v float64) string {
	switch {
	case v > 0:
		return domain.DirectionRiskIncreasing
	case v < 0:
		return domain.DirectionRiskDecreasing
	default:
		return domain.DirectionNeutral
	}
}
