// Package features converts raw events into the flat, typed feature
// vector rule conditions and signals operate over.
package features

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/xrash/smetrics"

	"github.com/opensource-trust/shrike/internal/domain"
)

var whitespace = regexp.MustCompile(`\s+`)

// Extract derives the feature vector for one event. It is total and
// deterministic: the same event always yields the same vector, and
// missing fields become absent sentinels instead of errors.
// senderEventCount is the caller-supplied sender velocity (0 when the
// velocity source is unavailable).
func Extract(event *domain.Event, senderEventCount int64) *domain.FeatureVector {
	fv := &domain.FeatureVector{
		Values: make(map[string]interface{}, 32),
	}

	text := Normalize(event.Text)
	display := strings.ToLower(strings.TrimSpace(event.DisplayDomain))
	final := strings.ToLower(strings.TrimSpace(event.FinalDomain))

	scamHits := containsAny(text, ScamTerms)
	urgencyHits := containsAny(text, UrgencyTerms)
	secrecyHits := containsAny(text, SecrecyTerms)

	fv.Values[domain.FeatText] = text
	fv.Values[domain.FeatTextRaw] = event.Text
	fv.Values[domain.FeatTextLen] = utf8.RuneCountInString(text)
	fv.Values[domain.FeatChannel] = event.Channel

	fv.Values[domain.FeatDisplayDomain] = display
	fv.Values[domain.FeatFinalDomain] = final
	fv.Values[domain.FeatDomainMismatch] = display != "" && final != "" && display != final
	fv.Values[domain.FeatLookalike] = LookalikeScore(display, final)

	fv.Values[domain.FeatScamTerms] = scamHits
	fv.Values[domain.FeatUrgencyTerms] = urgencyHits
	fv.Values[domain.FeatSecrecyTerms] = secrecyHits
	fv.Values[domain.FeatHasOTP] = len(scamHits) > 0
	fv.Values[domain.FeatHasSeed] = containsSeedTerm(scamHits)
	fv.Values[domain.FeatHasUrgency] = len(urgencyHits) > 0
	fv.Values[domain.FeatHasSecrecy] = len(secrecyHits) > 0

	fv.Values[domain.FeatSenderAddress] = strings.ToLower(event.Sender.Address)
	fv.Values[domain.FeatSenderSeen] = event.Sender.PriorSeen
	fv.Values[domain.FeatConfirmedMule] = event.Sender.ConfirmedMule

	age := event.Sender.DomainAgeDays
	if age < 0 {
		age = domain.AbsentInt
		fv.Notes = append(fv.Notes, "sender domain age unavailable; treated as absent")
	}
	fv.Values[domain.FeatDomainAgeDays] = age
	fv.Values[domain.FeatHasDomainAge] = age != domain.AbsentInt

	reports := event.Reputation.ReportsLast90d
	if reports < 0 {
		reports = 0
	}
	complaints := event.Reputation.PriorComplaints
	if complaints < 0 {
		complaints = 0
	}
	fv.Values[domain.FeatReports90d] = reports
	fv.Values[domain.FeatBlacklisted] = event.Reputation.GlobalBlacklist
	fv.Values[domain.FeatComplaints] = complaints
	fv.Values[domain.FeatReputationRisk] = ReputationRisk(event.Reputation, age)

	fv.Values[domain.FeatSenderVelocity] = senderEventCount

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	fv.Values[domain.FeatMetadata] = metadata

	return fv
}

// Normalize case-folds and collapses whitespace. All pattern-matching
// conditions operate over this form.
func Normalize(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(text), " "))
}

// LookalikeScore measures similarity between the displayed and the
// resolved domain using Jaro-Winkler. 0 when either side is unknown;
// near 1 for look-alike pairs such as paypal.com / paypa1.com.
func LookalikeScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}

// ReputationRisk folds the reputation descriptor into one clamped [0,1]
// value: blocklist membership dominates, then report volume, prior
// complaints, and domain youth.
func ReputationRisk(rep domain.Reputation, domainAgeDays int) float64 {
	if rep.GlobalBlacklist {
		return 1.0
	}

	risk := 0.0

	// 20 reports in 90 days saturates the report component
	reports := float64(rep.ReportsLast90d)
	if reports > 0 {
		risk += min(reports/20.0, 1.0) * 0.5
	}

	complaints := float64(rep.PriorComplaints)
	if complaints > 0 {
		risk += min(complaints/10.0, 1.0) * 0.2
	}

	// Domains younger than 30 days carry residual risk
	if domainAgeDays != domain.AbsentInt && domainAgeDays < 30 {
		risk += (1.0 - float64(domainAgeDays)/30.0) * 0.3
	}

	return min(risk, 1.0)
}

func containsSeedTerm(hits []string) bool {
	for _, h := range hits {
		if h == "seed" || h == "seed phrase" || h == "recovery phrase" || h == "private key" {
			return true
		}
	}
	return false
}
