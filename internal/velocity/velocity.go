// Package velocity tracks how many events a sender address has
// produced inside a sliding window.
package velocity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-trust/shrike/internal/domain"
)

// Service resolves sender event counts. The cache counter is the fast
// path; the repository backs it when the cache has no counter yet or is
// unavailable.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// Record notes one event from a sender and returns the number of prior
// events in the window, excluding the one being recorded. Cache
// failures fall back to the repository, where the event is not yet
// stored and therefore needs no exclusion.
func (s *Service) Record(ctx context.Context, tenantID, senderAddress string, windowSecs int) (int64, error) {
	if tenantID == "" || senderAddress == "" {
		return 0, fmt.Errorf("tenantID and senderAddress are required")
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, tenantID, counterKey(senderAddress), window(windowSecs))
		if err == nil {
			return count - 1, nil
		}
	}

	now := time.Now()
	return s.countRange(ctx, tenantID, senderAddress, now.Add(-window(windowSecs)), now)
}

// Count returns the number of stored events from a sender received
// before asOf and inside the window ending there, without incrementing
// anything. Anchoring the window at the event's own receipt time keeps
// re-evaluations of a stored event stable no matter when they run.
func (s *Service) Count(ctx context.Context, tenantID, senderAddress string, windowSecs int, asOf time.Time) (int64, error) {
	if tenantID == "" || senderAddress == "" {
		return 0, fmt.Errorf("tenantID and senderAddress are required")
	}
	return s.countRange(ctx, tenantID, senderAddress, asOf.Add(-window(windowSecs)), asOf)
}

func (s *Service) countRange(ctx context.Context, tenantID, senderAddress string, since, until time.Time) (int64, error) {
	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	count, err := s.repo.CountEventsBySender(ctx, tenantID, strings.ToLower(senderAddress), since, until)
	if err != nil {
		return 0, fmt.Errorf("failed to count sender events: %w", err)
	}
	return count, nil
}

func counterKey(senderAddress string) string {
	return "velocity:" + strings.ToLower(senderAddress)
}

func window(windowSecs int) time.Duration {
	if windowSecs <= 0 {
		windowSecs = 3600
	}
	return time.Duration(windowSecs) * time.Second
}
