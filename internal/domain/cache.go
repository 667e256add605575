package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetVerdict retrieves the cached current verdict summary for an event.
	GetVerdict(ctx context.Context, tenantID string, eventID string) (*VerdictCache, error)

	// SetVerdict caches the current verdict summary for an event.
	SetVerdict(ctx context.Context, tenantID string, eventID string, data *VerdictCache, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for sender velocity (events from one address in a time window).
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// VerdictCache is the compact verdict summary kept hot for repeat
// lookups of the same event.
type VerdictCache struct {
	VerdictID      string  `json:"verdictId"`
	EventID        string  `json:"eventId"`
	RulesetVersion int     `json:"rulesetVersion"`
	Score          float64 `json:"score"`
	Tier           Tier    `json:"tier"`
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `toml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `toml:"local_max_size"`
	LocalTTL     time.Duration `toml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `toml:"enable_two_phase"` // If true, check local first, then Redis
}
