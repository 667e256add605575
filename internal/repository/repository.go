// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-trust/shrike/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent stores an event with tenant isolation.
func (r *SQLRepository) SaveEvent(ctx context.Context, tenantID string, event *domain.Event) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if event.ID == "" {
		return fmt.Errorf("%w: event ID is required", ErrInvalidInput)
	}

	metadata, _ := json.Marshal(event.Metadata)

	query := `
		INSERT INTO events (
			id, tenant_id, channel, text, display_domain, final_domain,
			sender_address, sender_display_name, sender_domain_age_days,
			sender_prior_seen, sender_confirmed_mule,
			reports_last_90d, global_blacklist, prior_complaints,
			received_at, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, tenantID, event.Channel, event.Text,
		event.DisplayDomain, event.FinalDomain,
		strings.ToLower(event.Sender.Address), event.Sender.DisplayName,
		event.Sender.DomainAgeDays,
		boolToInt(event.Sender.PriorSeen), boolToInt(event.Sender.ConfirmedMule),
		event.Reputation.ReportsLast90d, boolToInt(event.Reputation.GlobalBlacklist),
		event.Reputation.PriorComplaints,
		event.ReceivedAt, event.CreatedAt,
		string(metadata),
	)
	return err
}

// GetEvent retrieves an event by ID with tenant isolation.
func (r *SQLRepository) GetEvent(ctx context.Context, tenantID string, eventID string) (*domain.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, channel, text, display_domain, final_domain,
			   sender_address, sender_display_name, sender_domain_age_days,
			   sender_prior_seen, sender_confirmed_mule,
			   reports_last_90d, global_blacklist, prior_complaints,
			   received_at, created_at, metadata
		FROM events
		WHERE tenant_id = ? AND id = ?
	`

	var event domain.Event
	var priorSeen, confirmedMule, blacklist int
	var metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, eventID).Scan(
		&event.ID, &event.TenantID, &event.Channel, &event.Text,
		&event.DisplayDomain, &event.FinalDomain,
		&event.Sender.Address, &event.Sender.DisplayName, &event.Sender.DomainAgeDays,
		&priorSeen, &confirmedMule,
		&event.Reputation.ReportsLast90d, &blacklist,
		&event.Reputation.PriorComplaints,
		&event.ReceivedAt, &event.CreatedAt,
		&metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	event.Sender.PriorSeen = priorSeen == 1
	event.Sender.ConfirmedMule = confirmedMule == 1
	event.Reputation.GlobalBlacklist = blacklist == 1

	if metadata != "" {
		json.Unmarshal([]byte(metadata), &event.Metadata)
	}

	return &event, nil
}

// CountEventsBySender counts events from a sender address received in
// the half-open range [since, until), with tenant isolation. Addresses
// are stored lowercased.
func (r *SQLRepository) CountEventsBySender(ctx context.Context, tenantID string, senderAddress string, since, until time.Time) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COUNT(*) FROM events
		WHERE tenant_id = ? AND sender_address = ? AND received_at >= ? AND received_at < ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, strings.ToLower(senderAddress), since, until).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sender events: %w", err)
	}

	return count, nil
}

// SaveVerdict stores a verdict with tenant isolation.
func (r *SQLRepository) SaveVerdict(ctx context.Context, tenantID string, verdict *domain.Verdict) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	ruleHits, _ := json.Marshal(verdict.RuleHits)
	explanation, _ := json.Marshal(verdict.Explanation)
	actions, _ := json.Marshal(verdict.Actions)
	metadata, _ := json.Marshal(verdict.Metadata)

	query := `
		INSERT INTO verdicts (
			id, tenant_id, event_id, ruleset_version, score, tier,
			rule_hits, explanation, actions, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		verdict.ID, tenantID, verdict.EventID, verdict.RulesetVersion,
		verdict.Score, string(verdict.Tier),
		string(ruleHits), string(explanation), string(actions),
		verdict.CreatedAt, string(metadata),
	)
	return err
}

// GetVerdict retrieves a verdict by ID with tenant isolation.
func (r *SQLRepository) GetVerdict(ctx context.Context, tenantID string, verdictID string) (*domain.Verdict, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, event_id, ruleset_version, score, tier,
			   rule_hits, explanation, actions, created_at, metadata
		FROM verdicts
		WHERE tenant_id = ? AND id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, verdictID)
	verdict, err := scanVerdict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return verdict, err
}

// ListVerdictsByEvent retrieves all verdicts for an event, oldest first,
// with tenant isolation.
func (r *SQLRepository) ListVerdictsByEvent(ctx context.Context, tenantID string, eventID string) ([]*domain.Verdict, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, event_id, ruleset_version, score, tier,
			   rule_hits, explanation, actions, created_at, metadata
		FROM verdicts
		WHERE tenant_id = ? AND event_id = ?
		ORDER BY created_at ASC, ruleset_version ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verdicts []*domain.Verdict
	for rows.Next() {
		verdict, err := scanVerdict(rows.Scan)
		if err != nil {
			return nil, err
		}
		verdicts = append(verdicts, verdict)
	}

	return verdicts, rows.Err()
}

// scanVerdict reads one verdict row through the given Scan function.
func scanVerdict(scan func(dest ...any) error) (*domain.Verdict, error) {
	var verdict domain.Verdict
	var tier, ruleHits, explanation, actions, metadata string

	if err := scan(
		&verdict.ID, &verdict.TenantID, &verdict.EventID, &verdict.RulesetVersion,
		&verdict.Score, &tier,
		&ruleHits, &explanation, &actions, &verdict.CreatedAt, &metadata,
	); err != nil {
		return nil, err
	}

	verdict.Tier = domain.Tier(tier)
	json.Unmarshal([]byte(ruleHits), &verdict.RuleHits)
	json.Unmarshal([]byte(explanation), &verdict.Explanation)
	json.Unmarshal([]byte(actions), &verdict.Actions)
	json.Unmarshal([]byte(metadata), &verdict.Metadata)

	return &verdict, nil
}

// SaveRuleset appends a published ruleset version. Versions are
// immutable; inserting an existing version is an error.
func (r *SQLRepository) SaveRuleset(ctx context.Context, rs *domain.Ruleset) error {
	if rs.Version <= 0 {
		return fmt.Errorf("%w: ruleset version must be positive", ErrInvalidInput)
	}

	rules, _ := json.Marshal(rs.Rules)
	thresholds, _ := json.Marshal(rs.Thresholds)
	blend, _ := json.Marshal(rs.Blend)
	actions, _ := json.Marshal(rs.ActionsByTier)

	query := `
		INSERT INTO rulesets (
			version, name, created_at, rules, thresholds, blend, actions, scam_tier_cutoff
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rs.Version, rs.Name, rs.CreatedAt,
		string(rules), string(thresholds), string(blend), string(actions),
		string(rs.ScamTierCutoff),
	)
	return err
}

// GetRuleset retrieves one published ruleset version.
func (r *SQLRepository) GetRuleset(ctx context.Context, version int) (*domain.Ruleset, error) {
	query := `
		SELECT version, name, created_at, rules, thresholds, blend, actions, scam_tier_cutoff
		FROM rulesets
		WHERE version = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), version)
	rs, err := scanRuleset(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rs, err
}

// ListRulesets retrieves all published ruleset versions, ascending.
func (r *SQLRepository) ListRulesets(ctx context.Context) ([]*domain.Ruleset, error) {
	query := `
		SELECT version, name, created_at, rules, thresholds, blend, actions, scam_tier_cutoff
		FROM rulesets
		ORDER BY version ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rulesets []*domain.Ruleset
	for rows.Next() {
		rs, err := scanRuleset(rows.Scan)
		if err != nil {
			return nil, err
		}
		rulesets = append(rulesets, rs)
	}

	return rulesets, rows.Err()
}

// LatestRulesetVersion returns the highest published version, 0 when
// none exist.
func (r *SQLRepository) LatestRulesetVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(version) FROM rulesets`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func scanRuleset(scan func(dest ...any) error) (*domain.Ruleset, error) {
	var rs domain.Ruleset
	var rules, thresholds, blend, actions, cutoff string

	if err := scan(
		&rs.Version, &rs.Name, &rs.CreatedAt,
		&rules, &thresholds, &blend, &actions, &cutoff,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(rules), &rs.Rules); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset %d rules: %w", rs.Version, err)
	}
	json.Unmarshal([]byte(thresholds), &rs.Thresholds)
	json.Unmarshal([]byte(blend), &rs.Blend)
	json.Unmarshal([]byte(actions), &rs.ActionsByTier)
	rs.ScamTierCutoff = domain.Tier(cutoff)

	return &rs, nil
}

// SaveFeedback stores a feedback record with tenant isolation.
func (r *SQLRepository) SaveFeedback(ctx context.Context, tenantID string, fb *domain.Feedback) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO feedback (
			id, tenant_id, event_id, label, reviewer, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fb.ID, tenantID, fb.EventID, fb.Label, fb.Reviewer, fb.Notes, fb.CreatedAt,
	)
	return err
}

// ListFeedbackByEvent retrieves all feedback for an event, oldest first,
// with tenant isolation.
func (r *SQLRepository) ListFeedbackByEvent(ctx context.Context, tenantID string, eventID string) ([]*domain.Feedback, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, event_id, label, reviewer, notes, created_at
		FROM feedback
		WHERE tenant_id = ? AND event_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Feedback
	for rows.Next() {
		var fb domain.Feedback
		if err := rows.Scan(
			&fb.ID, &fb.TenantID, &fb.EventID, &fb.Label,
			&fb.Reviewer, &fb.Notes, &fb.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, &fb)
	}

	return records, rows.Err()
}

// SaveDiscrepancy stores a reconciliation record with tenant isolation.
func (r *SQLRepository) SaveDiscrepancy(ctx context.Context, tenantID string, d *domain.Discrepancy) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO discrepancies (
			id, tenant_id, event_id, verdict_id, feedback_id,
			ruleset_version, verdict_tier, label, classification,
			cutoff_tier, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, tenantID, d.EventID, d.VerdictID, d.FeedbackID,
		d.RulesetVersion, string(d.VerdictTier), d.Label, d.Classification,
		string(d.CutoffTier), d.CreatedAt,
	)
	return err
}

// ListDiscrepancies retrieves reconciliation records since a point in
// time, newest first, with tenant isolation.
func (r *SQLRepository) ListDiscrepancies(ctx context.Context, tenantID string, since time.Time) ([]*domain.Discrepancy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, event_id, verdict_id, feedback_id,
			   ruleset_version, verdict_tier, label, classification,
			   cutoff_tier, created_at
		FROM discrepancies
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var verdictTier, cutoffTier string
		if err := rows.Scan(
			&d.ID, &d.TenantID, &d.EventID, &d.VerdictID, &d.FeedbackID,
			&d.RulesetVersion, &verdictTier, &d.Label, &d.Classification,
			&cutoffTier, &d.CreatedAt,
		); err != nil {
			return nil, err
		}
		d.VerdictTier = domain.Tier(verdictTier)
		d.CutoffTier = domain.Tier(cutoffTier)
		records = append(records, &d)
	}

	return records, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
