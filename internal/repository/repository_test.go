package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-trust/shrike/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "shrike-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetEvent", func(t *testing.T) {
		event := &domain.Event{
			ID:            "evt-001",
			Channel:       domain.ChannelEmail,
			Text:          "URGENT: verify your OTP now",
			DisplayDomain: "paypal.com",
			FinalDomain:   "paypa1-secure.ru",
			Sender: domain.Sender{
				DisplayName:   "PayPal Support",
				Address:       "Alerts@Paypa1-Secure.ru",
				DomainAgeDays: 12,
			},
			Reputation: domain.Reputation{ReportsLast90d: 8, GlobalBlacklist: true},
			ReceivedAt: time.Now().UTC(),
			CreatedAt:  time.Now().UTC(),
			Metadata:   map[string]any{"source": "api"},
		}

		if err := repo.SaveEvent(ctx, tenantID, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}

		retrieved, err := repo.GetEvent(ctx, tenantID, event.ID)
		if err != nil {
			t.Fatalf("GetEvent failed: %v", err)
		}

		if retrieved.ID != event.ID {
			t.Errorf("expected ID %s, got %s", event.ID, retrieved.ID)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if retrieved.Sender.Address != "alerts@paypa1-secure.ru" {
			t.Errorf("sender address must be stored lowercased, got %s", retrieved.Sender.Address)
		}
		if retrieved.Sender.DomainAgeDays != 12 {
			t.Errorf("expected domain age 12, got %d", retrieved.Sender.DomainAgeDays)
		}
		if !retrieved.Reputation.GlobalBlacklist {
			t.Error("blacklist flag lost")
		}
		if retrieved.Metadata["source"] != "api" {
			t.Error("metadata lost")
		}
	})

	t.Run("AbsentDomainAgeRoundTrips", func(t *testing.T) {
		event := &domain.Event{
			ID:         "evt-absent-age",
			Channel:    domain.ChannelSMS,
			Text:       "hello",
			Sender:     domain.Sender{DomainAgeDays: -1},
			ReceivedAt: time.Now().UTC(),
			CreatedAt:  time.Now().UTC(),
		}
		if err := repo.SaveEvent(ctx, tenantID, event); err != nil {
			t.Fatalf("SaveEvent failed: %v", err)
		}

		retrieved, err := repo.GetEvent(ctx, tenantID, event.ID)
		if err != nil {
			t.Fatalf("GetEvent failed: %v", err)
		}
		if retrieved.Sender.DomainAgeDays != -1 {
			t.Errorf("absent sentinel lost: %d", retrieved.Sender.DomainAgeDays)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetEvent(ctx, "tenant-002", "evt-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other tenant, got %v", err)
		}
	})

	t.Run("GetNonExistent", func(t *testing.T) {
		if _, err := repo.GetEvent(ctx, tenantID, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := repo.SaveEvent(ctx, "", &domain.Event{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("CountEventsBySender", func(t *testing.T) {
		base := time.Now().UTC()
		for _, id := range []string{"evt-count-a", "evt-count-b", "evt-count-c"} {
			event := &domain.Event{
				ID:         id,
				Channel:    domain.ChannelSMS,
				Text:       "spam",
				Sender:     domain.Sender{Address: "flood@spam.net", DomainAgeDays: -1},
				ReceivedAt: base,
				CreatedAt:  base,
			}
			if err := repo.SaveEvent(ctx, tenantID, event); err != nil {
				t.Fatalf("SaveEvent failed: %v", err)
			}
		}

		count, err := repo.CountEventsBySender(ctx, tenantID, "flood@spam.net", base.Add(-time.Hour), base.Add(time.Second))
		if err != nil {
			t.Fatalf("CountEventsBySender failed: %v", err)
		}
		if count != 3 {
			t.Errorf("expected 3 events, got %d", count)
		}

		// Window excludes old events
		count, err = repo.CountEventsBySender(ctx, tenantID, "flood@spam.net", base.Add(time.Hour), base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("CountEventsBySender failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 events outside window, got %d", count)
		}

		// The upper bound is exclusive, so events received exactly at
		// the anchor do not count themselves
		count, err = repo.CountEventsBySender(ctx, tenantID, "flood@spam.net", base.Add(-time.Hour), base)
		if err != nil {
			t.Fatalf("CountEventsBySender failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0 events before the anchor, got %d", count)
		}
	})
}

func TestVerdictPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	ml := 0.82
	verdict := &domain.Verdict{
		ID:             "v-001",
		EventID:        "evt-001",
		RulesetVersion: 3,
		Score:          84.5,
		Tier:           domain.TierT3,
		RuleHits: []domain.RuleHit{
			{
				RuleID:      "domain-spoof",
				Category:    "spoofing",
				Weight:      60,
				Explanation: "displayed paypal.com but resolves to paypa1-secure.ru",
				Evidence:    map[string]any{"lookalike_score": 0.66},
			},
		},
		Explanation: domain.Explanation{
			Contributions: []domain.SignalContribution{
				{Kind: domain.SignalRule, Label: "domain-spoof", Contribution: 60, Direction: domain.DirectionRiskIncreasing},
			},
			RawWeightSum: 60,
			ExpertScore:  45.1,
			MLScore:      &ml,
			BlendAlpha:   0.7,
			BlendedScore: 84.5,
			FinalScore:   84.5,
			Tier:         domain.TierT3,
			Notes:        []string{"sender domain age unavailable; treated as absent"},
		},
		Actions:   []string{"block", "escalate_manual_review"},
		CreatedAt: time.Now().UTC(),
		Metadata:  domain.VerdictMetadata{TraceID: "trace-1", RulesEvaluated: 6, EngineVersion: "1.0.0"},
	}

	if err := repo.SaveVerdict(ctx, tenantID, verdict); err != nil {
		t.Fatalf("SaveVerdict failed: %v", err)
	}

	t.Run("GetVerdict", func(t *testing.T) {
		got, err := repo.GetVerdict(ctx, tenantID, "v-001")
		if err != nil {
			t.Fatalf("GetVerdict failed: %v", err)
		}
		if got.Score != 84.5 || got.Tier != domain.TierT3 {
			t.Errorf("score/tier = %.1f/%s", got.Score, got.Tier)
		}
		if len(got.RuleHits) != 1 || got.RuleHits[0].RuleID != "domain-spoof" {
			t.Error("rule hits lost")
		}
		if got.Explanation.MLScore == nil || *got.Explanation.MLScore != 0.82 {
			t.Error("explanation ml score lost")
		}
		if len(got.Explanation.Notes) != 1 {
			t.Error("explanation notes lost")
		}
		if len(got.Actions) != 2 {
			t.Error("actions lost")
		}
	})

	t.Run("ListVerdictsByEvent", func(t *testing.T) {
		second := *verdict
		second.ID = "v-002"
		second.RulesetVersion = 4
		second.CreatedAt = verdict.CreatedAt.Add(time.Second)
		if err := repo.SaveVerdict(ctx, tenantID, &second); err != nil {
			t.Fatalf("SaveVerdict failed: %v", err)
		}

		verdicts, err := repo.ListVerdictsByEvent(ctx, tenantID, "evt-001")
		if err != nil {
			t.Fatalf("ListVerdictsByEvent failed: %v", err)
		}
		if len(verdicts) != 2 {
			t.Fatalf("expected 2 verdicts, got %d", len(verdicts))
		}
		if verdicts[0].ID != "v-001" || verdicts[1].ID != "v-002" {
			t.Error("verdicts must be ordered oldest first")
		}
	})

	t.Run("VerdictTenantIsolation", func(t *testing.T) {
		if _, err := repo.GetVerdict(ctx, "other", "v-001"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRulesetPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("LatestVersionEmpty", func(t *testing.T) {
		version, err := repo.LatestRulesetVersion(ctx)
		if err != nil {
			t.Fatalf("LatestRulesetVersion failed: %v", err)
		}
		if version != 0 {
			t.Errorf("expected 0 for empty table, got %d", version)
		}
	})

	rs := &domain.Ruleset{
		Version:   1,
		Name:      "baseline",
		CreatedAt: time.Now().UTC(),
		Rules: []domain.Rule{
			{ID: "otp-request", Condition: "has_otp", Weight: 45, Category: "credential-theft"},
			{ID: "known-mule", Condition: "confirmed_mule", Weight: 100, HardStop: true},
		},
		Thresholds:     domain.DefaultThresholds(),
		Blend:          domain.DefaultBlend(),
		ActionsByTier:  domain.DefaultActions(),
		ScamTierCutoff: domain.TierT2,
	}

	if err := repo.SaveRuleset(ctx, rs); err != nil {
		t.Fatalf("SaveRuleset failed: %v", err)
	}

	t.Run("GetRuleset", func(t *testing.T) {
		got, err := repo.GetRuleset(ctx, 1)
		if err != nil {
			t.Fatalf("GetRuleset failed: %v", err)
		}
		if got.Name != "baseline" || len(got.Rules) != 2 {
			t.Errorf("ruleset content lost: %s, %d rules", got.Name, len(got.Rules))
		}
		if !got.Rules[1].HardStop {
			t.Error("hard stop flag lost")
		}
		if got.ScamTierCutoff != domain.TierT2 {
			t.Errorf("cutoff = %s", got.ScamTierCutoff)
		}
		if len(got.ActionsByTier[domain.TierT3]) != 2 {
			t.Error("actions table lost")
		}
	})

	t.Run("VersionsImmutable", func(t *testing.T) {
		dup := *rs
		dup.Name = "overwrite attempt"
		if err := repo.SaveRuleset(ctx, &dup); err == nil {
			t.Error("inserting an existing version must fail")
		}

		got, _ := repo.GetRuleset(ctx, 1)
		if got.Name != "baseline" {
			t.Error("published version must not change")
		}
	})

	t.Run("ListAndLatest", func(t *testing.T) {
		rs2 := *rs
		rs2.Version = 2
		rs2.Name = "stricter"
		if err := repo.SaveRuleset(ctx, &rs2); err != nil {
			t.Fatalf("SaveRuleset failed: %v", err)
		}

		list, err := repo.ListRulesets(ctx)
		if err != nil {
			t.Fatalf("ListRulesets failed: %v", err)
		}
		if len(list) != 2 || list[0].Version != 1 || list[1].Version != 2 {
			t.Error("rulesets must list ascending by version")
		}

		latest, err := repo.LatestRulesetVersion(ctx)
		if err != nil {
			t.Fatalf("LatestRulesetVersion failed: %v", err)
		}
		if latest != 2 {
			t.Errorf("latest = %d, want 2", latest)
		}
	})

	t.Run("GetNonExistent", func(t *testing.T) {
		if _, err := repo.GetRuleset(ctx, 99); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestFeedbackPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	fb := &domain.Feedback{
		ID:        "fb-001",
		EventID:   "evt-001",
		Label:     domain.LabelScam,
		Reviewer:  "analyst-7",
		Notes:     "confirmed with the customer",
		CreatedAt: time.Now().UTC(),
	}
	if err := repo.SaveFeedback(ctx, tenantID, fb); err != nil {
		t.Fatalf("SaveFeedback failed: %v", err)
	}

	// Second reviewer disagrees; both records are kept
	fb2 := &domain.Feedback{
		ID:        "fb-002",
		EventID:   "evt-001",
		Label:     domain.LabelLegit,
		Reviewer:  "analyst-9",
		CreatedAt: time.Now().UTC().Add(time.Second),
	}
	if err := repo.SaveFeedback(ctx, tenantID, fb2); err != nil {
		t.Fatalf("SaveFeedback failed: %v", err)
	}

	records, err := repo.ListFeedbackByEvent(ctx, tenantID, "evt-001")
	if err != nil {
		t.Fatalf("ListFeedbackByEvent failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected both feedback records preserved, got %d", len(records))
	}
	if records[0].Label != domain.LabelScam || records[1].Label != domain.LabelLegit {
		t.Error("feedback must list oldest first with labels intact")
	}
}

func TestDiscrepancyPersistence(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	d := &domain.Discrepancy{
		ID:             "d-001",
		EventID:        "evt-001",
		VerdictID:      "v-001",
		FeedbackID:     "fb-001",
		RulesetVersion: 3,
		VerdictTier:    domain.TierT1,
		Label:          domain.LabelScam,
		Classification: domain.DiscrepancyFalseNegative,
		CutoffTier:     domain.TierT2,
		CreatedAt:      time.Now().UTC(),
	}
	if err := repo.SaveDiscrepancy(ctx, tenantID, d); err != nil {
		t.Fatalf("SaveDiscrepancy failed: %v", err)
	}

	records, err := repo.ListDiscrepancies(ctx, tenantID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListDiscrepancies failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(records))
	}
	if records[0].Classification != domain.DiscrepancyFalseNegative {
		t.Errorf("classification = %s", records[0].Classification)
	}
	if records[0].VerdictTier != domain.TierT1 || records[0].CutoffTier != domain.TierT2 {
		t.Error("tier fields lost")
	}

	// Cutoff excludes older records
	records, err = repo.ListDiscrepancies(ctx, tenantID, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListDiscrepancies failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected 0 records after cutoff, got %d", len(records))
	}
}
