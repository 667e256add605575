package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// Event, verdict, and feedback methods require tenantID for strict
// multi-tenancy isolation. Rulesets are engine-wide policy and are
// stored globally, keyed by their monotonically increasing version.
type Repository interface {
	// Event operations
	SaveEvent(ctx context.Context, tenantID string, event *Event) error
	GetEvent(ctx context.Context, tenantID string, eventID string) (*Event, error)
	CountEventsBySender(ctx context.Context, tenantID string, senderAddress string, since, until time.Time) (int64, error)

	// Verdict operations
	SaveVerdict(ctx context.Context, tenantID string, verdict *Verdict) error
	GetVerdict(ctx context.Context, tenantID string, verdictID string) (*Verdict, error)
	ListVerdictsByEvent(ctx context.Context, tenantID string, eventID string) ([]*Verdict, error)

	// Ruleset versions (append-only; published rulesets are immutable)
	SaveRuleset(ctx context.Context, rs *Ruleset) error
	GetRuleset(ctx context.Context, version int) (*Ruleset, error)
	ListRulesets(ctx context.Context) ([]*Ruleset, error)
	LatestRulesetVersion(ctx context.Context) (int, error)

	// Feedback and reconciliation records
	SaveFeedback(ctx context.Context, tenantID string, fb *Feedback) error
	ListFeedbackByEvent(ctx context.Context, tenantID string, eventID string) ([]*Feedback, error)
	SaveDiscrepancy(ctx context.Context, tenantID string, d *Discrepancy) error
	ListDiscrepancies(ctx context.Context, tenantID string, since time.Time) ([]*Discrepancy, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `toml:"driver"`

	// SQLite specific
	SQLitePath string `toml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `toml:"postgres_host"`
	PostgresPort     int    `toml:"postgres_port"`
	PostgresUser     string `toml:"postgres_user"`
	PostgresPassword string `toml:"postgres_password"`
	PostgresDB       string `toml:"postgres_db"`
	PostgresSSLMode  string `toml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}
