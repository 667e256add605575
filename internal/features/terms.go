package features

import "strings"

// Term groups matched against normalized event text. Matching is plain
// substring containment over the case-folded, whitespace-collapsed text.
var (
	// ScamTerms indicate credential or key theft attempts.
	ScamTerms = []string{
		"otp",
		"one-time password",
		"seed",
		"seed phrase",
		"recovery phrase",
		"private key",
	}

	// UrgencyTerms indicate artificial time pressure.
	UrgencyTerms = []string{
		"urgent",
		"immediately",
		"within 10 minutes",
		"within 5 minutes",
	}

	// SecrecyTerms indicate isolation of the victim.
	SecrecyTerms = []string{
		"don't tell",
		"confidential",
		"keep this between us",
	}
)

// containsAny returns the terms found in the normalized text, in the
// group's declared order so extraction stays deterministic.
func containsAny(text string, terms []string) []string {
	var hits []string
	for _, term := range terms {
		if term != "" && strings.Contains(text, term) {
			hits = append(hits, term)
		}
	}
	return hits
}
