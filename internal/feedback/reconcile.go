// Package feedback reconciles human ground-truth labels against
// verdicts and records the resulting agreement or disagreement.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-trust/shrike/internal/domain"
)

// ErrInvalidLabel is returned when feedback carries a label other than
// "scam" or "legit".
var ErrInvalidLabel = errors.New("invalid feedback label")

// Classify maps one verdict tier and one binary label to a discrepancy
// classification under the given cutoff. The cutoff is the lowest tier
// the engine counts as a scam call; tiers below it count as legit.
func Classify(verdictTier domain.Tier, label string, cutoff domain.Tier) string {
	flagged := domain.TierAtOrAbove(verdictTier, cutoff)

	switch {
	case label == domain.LabelScam && flagged:
		return domain.DiscrepancyConfirmed
	case label == domain.LabelScam && !flagged:
		return domain.DiscrepancyFalseNegative
	case label == domain.LabelLegit && flagged:
		return domain.DiscrepancyFalsePositive
	default:
		return domain.DiscrepancyConfirmed
	}
}

// Reconciler turns incoming feedback into stored discrepancy records,
// one per verdict the event has. Verdicts and rulesets are never
// touched; the records feed offline rule tuning.
type Reconciler struct {
	repo   domain.Repository
	logger *slog.Logger
}

// NewReconciler creates a feedback reconciler.
func NewReconciler(repo domain.Repository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{repo: repo, logger: logger}
}

// Reconcile saves the feedback and classifies it against every verdict
// the event has, returning the created discrepancy records. The verdict
// tier is compared under the cutoff of the ruleset version that
// produced it, so reconciliation stays faithful to the policy in force
// at evaluation time.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, fb *domain.Feedback) ([]*domain.Discrepancy, error) {
	if fb.Label != domain.LabelScam && fb.Label != domain.LabelLegit {
		return nil, fmt.Errorf("%w %q", ErrInvalidLabel, fb.Label)
	}

	if fb.ID == "" {
		fb.ID = uuid.New().String()
	}
	fb.TenantID = tenantID
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}

	// The event must exist; feedback on unknown events is rejected
	if _, err := r.repo.GetEvent(ctx, tenantID, fb.EventID); err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", fb.EventID, err)
	}

	if err := r.repo.SaveFeedback(ctx, tenantID, fb); err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}

	verdicts, err := r.repo.ListVerdictsByEvent(ctx, tenantID, fb.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load verdicts for event %s: %w", fb.EventID, err)
	}

	var out []*domain.Discrepancy
	for _, v := range verdicts {
		cutoff := r.cutoffFor(ctx, v.RulesetVersion)

		d := &domain.Discrepancy{
			ID:             uuid.New().String(),
			TenantID:       tenantID,
			EventID:        fb.EventID,
			VerdictID:      v.ID,
			FeedbackID:     fb.ID,
			RulesetVersion: v.RulesetVersion,
			VerdictTier:    v.Tier,
			Label:          fb.Label,
			Classification: Classify(v.Tier, fb.Label, cutoff),
			CutoffTier:     cutoff,
			CreatedAt:      time.Now().UTC(),
		}

		if err := r.repo.SaveDiscrepancy(ctx, tenantID, d); err != nil {
			return nil, fmt.Errorf("failed to save discrepancy: %w", err)
		}
		out = append(out, d)

		if d.Classification != domain.DiscrepancyConfirmed {
			r.logger.Info("verdict disagreed with feedback",
				"tenant_id", tenantID,
				"event_id", fb.EventID,
				"verdict_id", v.ID,
				"tier", v.Tier,
				"label", fb.Label,
				"classification", d.Classification)
		}
	}

	return out, nil
}

// cutoffFor resolves the scam cutoff of the ruleset version a verdict
// was produced under, defaulting to T2 if the version is unknown.
func (r *Reconciler) cutoffFor(ctx context.Context, version int) domain.Tier {
	rs, err := r.repo.GetRuleset(ctx, version)
	if err != nil || rs.ScamTierCutoff == "" {
		return domain.TierT2
	}
	return rs.ScamTierCutoff
}
