package domain

// AbsentInt is the sentinel for numeric features with no known value.
// Conditions should branch on the matching has_* boolean rather than
// comparing against the sentinel directly.
const AbsentInt = -1

// Feature keys exposed to rule conditions. The set is closed: rule
// expressions compile against exactly these variables.
const (
	FeatText           = "text"            // normalized text
	FeatTextRaw        = "text_raw"        // original text
	FeatTextLen        = "text_len"        // length of normalized text
	FeatChannel        = "channel"         // sms|email|call|web|txn|unknown
	FeatDisplayDomain  = "display_domain"  // as presented to the user
	FeatFinalDomain    = "final_domain"    // post-redirect resolution
	FeatDomainMismatch = "domain_mismatch" // display != final, both set
	FeatLookalike      = "lookalike_score" // Jaro-Winkler similarity [0,1]
	FeatScamTerms      = "scam_terms"      // matched credential-theft terms
	FeatUrgencyTerms   = "urgency_terms"   // matched urgency terms
	FeatSecrecyTerms   = "secrecy_terms"   // matched secrecy terms
	FeatHasOTP         = "has_otp"
	FeatHasSeed        = "has_seed"
	FeatHasUrgency     = "has_urgency"
	FeatHasSecrecy     = "has_secrecy"
	FeatSenderAddress  = "sender_address"
	FeatSenderSeen     = "sender_prior_seen"
	FeatConfirmedMule  = "confirmed_mule"
	FeatDomainAgeDays  = "domain_age_days" // AbsentInt when unknown
	FeatHasDomainAge   = "has_domain_age"
	FeatReports90d     = "reports_last_90d"
	FeatBlacklisted    = "global_blacklist"
	FeatComplaints     = "prior_complaints"
	FeatReputationRisk = "reputation_risk" // derived, clamped [0,1]
	FeatSenderVelocity = "sender_event_count"
	FeatMetadata       = "metadata"
)

// FeatureVector is the derived, ephemeral attribute mapping one
// evaluation operates over. It is computed fresh per call and owned by
// that call.
type FeatureVector struct {
	// Values keyed by the Feat* constants, typed for CEL activation
	Values map[string]interface{}

	// Notes records default substitutions made during extraction so the
	// explanation can surface them
	Notes []string
}

// Bool returns a boolean feature, false when absent or mistyped.
func (fv *FeatureVector) Bool(key string) bool {
	v, _ := fv.Values[key].(bool)
	return v
}

// Int returns an integer feature, AbsentInt when absent.
func (fv *FeatureVector) Int(key string) int64 {
	switch v := fv.Values[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	}
	return AbsentInt
}

// Float returns a float feature, 0 when absent.
func (fv *FeatureVector) Float(key string) float64 {
	if v, ok := fv.Values[key].(float64); ok {
		return v
	}
	return 0
}

// String returns a string feature, "" when absent.
func (fv *FeatureVector) String(key string) string {
	v, _ := fv.Values[key].(string)
	return v
}

// Strings returns a string-list feature, nil when absent.
func (fv *FeatureVector) Strings(key string) []string {
	v, _ := fv.Values[key].([]string)
	return v
}
