// Package worker provides async event processing from the EventBus.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/opensource-trust/shrike/internal/detect"
	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/ruleset"
)

// Worker consumes inbound events from the EventBus, runs them through
// the detector and publishes verdicts and alerts.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	cache    domain.Cache
	detector *detect.Detector
	store    *ruleset.Store
	logger   *slog.Logger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = global subscription)
	TenantIDs []string

	// VerdictCacheTTL bounds how long processed verdicts stay cached
	VerdictCacheTTL time.Duration
}

// NewWorker creates a new async worker. repo and cache may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, detector *detect.Detector, store *ruleset.Store, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		repo:     repo,
		cache:    cache,
		detector: detector,
		store:    store,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing events for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.VerdictCacheTTL <= 0 {
		cfg.VerdictCacheTTL = 15 * time.Minute
	}

	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker(cfg)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID, cfg); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	w.logger.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker subscribes under a catch-all tenant (for testing/dev).
func (w *Worker) startGlobalWorker(cfg Config) error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicEventReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvent(ctx, msg.TenantID, msg, cfg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("global worker started")
	return nil
}

// startTenantWorker subscribes to inbound events for one tenant.
func (w *Worker) startTenantWorker(tenantID string, cfg Config) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicEventReceived, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvent(ctx, tenantID, msg, cfg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicEventReceived,
	)

	return nil
}

// EventMessage is the message payload for async event classification.
type EventMessage struct {
	TenantID string               `json:"tenantId"`
	Event    *domain.EventRequest `json:"event"`

	// Pin evaluation to a specific ruleset version (0 = current)
	RulesetVersion int `json:"rulesetVersion,omitempty"`
}

// processEvent classifies one inbound event through the pipeline.
func (w *Worker) processEvent(ctx context.Context, tenantID string, msg *domain.Message, cfg Config) error {
	start := time.Now()

	var evtMsg EventMessage
	if err := json.Unmarshal(msg.Payload, &evtMsg); err != nil {
		w.logger.Error("failed to parse event message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if evtMsg.Event == nil {
		w.logger.Error("event message missing event payload",
			"message_id", msg.ID,
		)
		return nil
	}

	if evtMsg.TenantID != "" {
		tenantID = evtMsg.TenantID
	}

	event := evtMsg.Event.ToEvent()
	event.ID = uuid.New().String()
	event.TenantID = tenantID

	version := evtMsg.RulesetVersion
	if version == 0 {
		version = evtMsg.Event.RulesetVersion
	}

	verdict, err := w.detector.Detect(ctx, event, version, evtMsg.Event.MLProbability)
	if err != nil {
		w.logger.Error("detection failed",
			"event_id", event.ID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	if w.repo != nil {
		if err := w.repo.SaveEvent(ctx, tenantID, event); err != nil {
			w.logger.Error("failed to save event",
				"event_id", event.ID,
				"error", err,
			)
		}
		if err := w.repo.SaveVerdict(ctx, tenantID, verdict); err != nil {
			w.logger.Error("failed to save verdict",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	if w.cache != nil {
		cached := &domain.VerdictCache{
			VerdictID:      verdict.ID,
			EventID:        verdict.EventID,
			RulesetVersion: verdict.RulesetVersion,
			Score:          verdict.Score,
			Tier:           verdict.Tier,
		}
		if err := w.cache.SetVerdict(ctx, tenantID, event.ID, cached, cfg.VerdictCacheTTL); err != nil {
			w.logger.Warn("failed to cache verdict",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	payload, _ := json.Marshal(verdict)
	if err := w.bus.Publish(ctx, tenantID, domain.TopicVerdictCreated, payload); err != nil {
		w.logger.Error("failed to publish verdict",
			"event_id", event.ID,
			"error", err,
		)
	}

	if verdict.Flagged(w.alertCutoff(verdict.RulesetVersion)) {
		if err := w.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			w.logger.Error("failed to publish alert",
				"event_id", event.ID,
				"error", err,
			)
		}
	}

	w.logger.Info("event processed",
		"event_id", event.ID,
		"tenant_id", tenantID,
		"tier", verdict.Tier,
		"score", verdict.Score,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// alertCutoff resolves the flagged-scam cutoff from the ruleset version
// that produced the verdict.
func (w *Worker) alertCutoff(version int) domain.Tier {
	if w.store != nil {
		if compiled, err := w.store.Get(version); err == nil && compiled.Ruleset.ScamTierCutoff != "" {
			return compiled.Ruleset.ScamTierCutoff
		}
	}
	return domain.TierT2
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
