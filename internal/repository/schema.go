package repository

// Schema definitions for the Shrike database.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    text TEXT NOT NULL,
    display_domain TEXT,
    final_domain TEXT,
    sender_address TEXT,
    sender_display_name TEXT,
    sender_domain_age_days INTEGER NOT NULL DEFAULT -1,
    sender_prior_seen INTEGER NOT NULL DEFAULT 0,
    sender_confirmed_mule INTEGER NOT NULL DEFAULT 0,
    reports_last_90d INTEGER NOT NULL DEFAULT 0,
    global_blacklist INTEGER NOT NULL DEFAULT 0,
    prior_complaints INTEGER NOT NULL DEFAULT 0,
    received_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_events_sender ON events(tenant_id, sender_address, received_at);
CREATE INDEX IF NOT EXISTS idx_events_received ON events(tenant_id, received_at);
`

const schemaVerdicts = `
CREATE TABLE IF NOT EXISTS verdicts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    ruleset_version INTEGER NOT NULL,
    score REAL NOT NULL,
    tier TEXT NOT NULL,
    rule_hits TEXT NOT NULL,
    explanation TEXT NOT NULL,
    actions TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verdicts_tenant ON verdicts(tenant_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_event ON verdicts(tenant_id, event_id, created_at);
CREATE INDEX IF NOT EXISTS idx_verdicts_tier ON verdicts(tenant_id, tier);
`

const schemaRulesets = `
CREATE TABLE IF NOT EXISTS rulesets (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    rules TEXT NOT NULL,
    thresholds TEXT NOT NULL,
    blend TEXT NOT NULL,
    actions TEXT NOT NULL,
    scam_tier_cutoff TEXT NOT NULL
);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS feedback (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    label TEXT NOT NULL,
    reviewer TEXT,
    notes TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_tenant ON feedback(tenant_id);
CREATE INDEX IF NOT EXISTS idx_feedback_event ON feedback(tenant_id, event_id);
`

const schemaDiscrepancies = `
CREATE TABLE IF NOT EXISTS discrepancies (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    verdict_id TEXT NOT NULL,
    feedback_id TEXT NOT NULL,
    ruleset_version INTEGER NOT NULL,
    verdict_tier TEXT NOT NULL,
    label TEXT NOT NULL,
    classification TEXT NOT NULL,
    cutoff_tier TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_discrepancies_tenant ON discrepancies(tenant_id);
CREATE INDEX IF NOT EXISTS idx_discrepancies_class ON discrepancies(tenant_id, classification);
CREATE INDEX IF NOT EXISTS idx_discrepancies_created ON discrepancies(tenant_id, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaVerdicts,
		schemaRulesets,
		schemaFeedback,
		schemaDiscrepancies,
	}
}
