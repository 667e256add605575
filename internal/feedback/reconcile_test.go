package feedback

import (
	"context"
	"errors"
	"testing"

	"github.com/opensource-trust/shrike/internal/domain"
)

var errMissing = errors.New("not found")

func TestClassify(t *testing.T) {
	cases := []struct {
		tier   domain.Tier
		label  string
		cutoff domain.Tier
		want   string
	}{
		{domain.TierT3, domain.LabelScam, domain.TierT2, domain.DiscrepancyConfirmed},
		{domain.TierT2, domain.LabelScam, domain.TierT2, domain.DiscrepancyConfirmed},
		{domain.TierT1, domain.LabelScam, domain.TierT2, domain.DiscrepancyFalseNegative},
		{domain.TierT0, domain.LabelScam, domain.TierT2, domain.DiscrepancyFalseNegative},
		{domain.TierT3, domain.LabelLegit, domain.TierT2, domain.DiscrepancyFalsePositive},
		{domain.TierT2, domain.LabelLegit, domain.TierT2, domain.DiscrepancyFalsePositive},
		{domain.TierT1, domain.LabelLegit, domain.TierT2, domain.DiscrepancyConfirmed},
		{domain.TierT0, domain.LabelLegit, domain.TierT2, domain.DiscrepancyConfirmed},
		// A stricter cutoff moves the boundary
		{domain.TierT1, domain.LabelScam, domain.TierT1, domain.DiscrepancyConfirmed},
		{domain.TierT1, domain.LabelLegit, domain.TierT1, domain.DiscrepancyFalsePositive},
	}

	for _, c := range cases {
		if got := Classify(c.tier, c.label, c.cutoff); got != c.want {
			t.Errorf("Classify(%s, %s, cutoff %s) = %s, want %s",
				c.tier, c.label, c.cutoff, got, c.want)
		}
	}
}

// memRepo is a minimal in-memory Repository for reconciler tests.
type memRepo struct {
	domain.Repository

	events        map[string]*domain.Event
	verdicts      map[string][]*domain.Verdict
	rulesets      map[int]*domain.Ruleset
	feedback      []*domain.Feedback
	discrepancies []*domain.Discrepancy
}

func newMemRepo() *memRepo {
	return &memRepo{
		events:   make(map[string]*domain.Event),
		verdicts: make(map[string][]*domain.Verdict),
		rulesets: make(map[int]*domain.Ruleset),
	}
}

func (m *memRepo) GetEvent(_ context.Context, _ string, eventID string) (*domain.Event, error) {
	ev, ok := m.events[eventID]
	if !ok {
		return nil, errMissing
	}
	return ev, nil
}

func (m *memRepo) ListVerdictsByEvent(_ context.Context, _ string, eventID string) ([]*domain.Verdict, error) {
	return m.verdicts[eventID], nil
}

func (m *memRepo) GetRuleset(_ context.Context, version int) (*domain.Ruleset, error) {
	rs, ok := m.rulesets[version]
	if !ok {
		return nil, errMissing
	}
	return rs, nil
}

func (m *memRepo) SaveFeedback(_ context.Context, _ string, fb *domain.Feedback) error {
	m.feedback = append(m.feedback, fb)
	return nil
}

func (m *memRepo) SaveDiscrepancy(_ context.Context, _ string, d *domain.Discrepancy) error {
	m.discrepancies = append(m.discrepancies, d)
	return nil
}

func TestReconcileCreatesDiscrepancyPerVerdict(t *testing.T) {
	repo := newMemRepo()
	repo.events["evt-1"] = &domain.Event{ID: "evt-1", TenantID: "tenant-a"}
	repo.rulesets[1] = &domain.Ruleset{Version: 1, ScamTierCutoff: domain.TierT2}
	repo.rulesets[2] = &domain.Ruleset{Version: 2, ScamTierCutoff: domain.TierT2}
	repo.verdicts["evt-1"] = []*domain.Verdict{
		{ID: "v-1", EventID: "evt-1", RulesetVersion: 1, Tier: domain.TierT1},
		{ID: "v-2", EventID: "evt-1", RulesetVersion: 2, Tier: domain.TierT3},
	}

	r := NewReconciler(repo, nil)

	out, err := r.Reconcile(context.Background(), "tenant-a", &domain.Feedback{
		EventID:  "evt-1",
		Label:    domain.LabelScam,
		Reviewer: "analyst-7",
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("expected one discrepancy per verdict, got %d", len(out))
	}
	if out[0].Classification != domain.DiscrepancyFalseNegative {
		t.Errorf("T1 verdict + scam label = %s, want false_negative", out[0].Classification)
	}
	if out[1].Classification != domain.DiscrepancyConfirmed {
		t.Errorf("T3 verdict + scam label = %s, want confirmed", out[1].Classification)
	}

	if len(repo.feedback) != 1 {
		t.Error("feedback must be persisted")
	}
	if repo.feedback[0].ID == "" || repo.feedback[0].CreatedAt.IsZero() {
		t.Error("feedback id and timestamp must be assigned")
	}
	if len(repo.discrepancies) != 2 {
		t.Error("discrepancies must be persisted")
	}
}

func TestReconcileRejectsUnknownLabel(t *testing.T) {
	r := NewReconciler(newMemRepo(), nil)

	_, err := r.Reconcile(context.Background(), "tenant-a", &domain.Feedback{
		EventID: "evt-1",
		Label:   "maybe",
	})
	if err == nil {
		t.Fatal("expected error for unknown label")
	}
}

func TestReconcileRejectsUnknownEvent(t *testing.T) {
	r := NewReconciler(newMemRepo(), nil)

	_, err := r.Reconcile(context.Background(), "tenant-a", &domain.Feedback{
		EventID: "missing",
		Label:   domain.LabelScam,
	})
	if err == nil {
		t.Fatal("expected error for unknown event")
	}
}

func TestReconcileUsesVerdictEraCutoff(t *testing.T) {
	repo := newMemRepo()
	repo.events["evt-1"] = &domain.Event{ID: "evt-1", TenantID: "tenant-a"}
	// Version 1 counted T1 and above as scam
	repo.rulesets[1] = &domain.Ruleset{Version: 1, ScamTierCutoff: domain.TierT1}
	repo.verdicts["evt-1"] = []*domain.Verdict{
		{ID: "v-1", EventID: "evt-1", RulesetVersion: 1, Tier: domain.TierT1},
	}

	r := NewReconciler(repo, nil)

	out, err := r.Reconcile(context.Background(), "tenant-a", &domain.Feedback{
		EventID: "evt-1",
		Label:   domain.LabelScam,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Classification != domain.DiscrepancyConfirmed {
		t.Errorf("cutoff of the producing ruleset must apply, got %s", out[0].Classification)
	}
	if out[0].CutoffTier != domain.TierT1 {
		t.Errorf("cutoff tier %s recorded, want T1", out[0].CutoffTier)
	}
}
