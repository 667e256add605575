package domain

import "time"

// Human feedback labels.
const (
	LabelScam  = "scam"
	LabelLegit = "legit"
)

// Discrepancy classifications produced by reconciliation.
const (
	DiscrepancyConfirmed     = "confirmed"
	DiscrepancyFalsePositive = "false_positive"
	DiscrepancyFalseNegative = "false_negative"
)

// Feedback is a human-supplied ground-truth label for an event.
// Multiple feedback records may reference one event; reviewer
// disagreement is preserved, never overwritten.
type Feedback struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	EventID   string    `json:"eventId"`
	Label     string    `json:"label"`
	Reviewer  string    `json:"reviewer"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Discrepancy records agreement or disagreement between a verdict and a
// later feedback label. It feeds the offline retraining process and
// never mutates the verdict or the ruleset.
type Discrepancy struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	EventID        string    `json:"eventId"`
	VerdictID      string    `json:"verdictId"`
	FeedbackID     string    `json:"feedbackId"`
	RulesetVersion int       `json:"rulesetVersion"`
	VerdictTier    Tier      `json:"verdictTier"`
	Label          string    `json:"label"`
	Classification string    `json:"classification"`
	CutoffTier     Tier      `json:"cutoffTier"`
	CreatedAt      time.Time `json:"createdAt"`
}
