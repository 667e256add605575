package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/opensource-trust/shrike/internal/bus"
	"github.com/opensource-trust/shrike/internal/detect"
	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/rules"
	"github.com/opensource-trust/shrike/internal/ruleset"
	"github.com/opensource-trust/shrike/internal/scoring"
)

func newTestDetector(t *testing.T) (*detect.Detector, *ruleset.Store) {
	t.Helper()

	compiler, err := rules.NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler failed: %v", err)
	}

	store := ruleset.NewStore(compiler, nil, nil, nil)
	rs := &domain.Ruleset{
		Name: "worker-test",
		Rules: []domain.Rule{
			{
				ID:          "otp-request",
				Condition:   "has_otp",
				Weight:      60,
				Category:    "credentials",
				Explanation: "message asks for a one-time passcode",
			},
			{
				ID:        "blacklisted-sender",
				Condition: "global_blacklist",
				Weight:    100,
				HardStop:  true,
			},
		},
		Thresholds:     domain.DefaultThresholds(),
		Blend:          domain.DefaultBlend(),
		ActionsByTier:  domain.DefaultActions(),
		ScamTierCutoff: domain.TierT2,
	}
	if _, err := store.Publish(context.Background(), rs); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	detector := detect.New(store, rules.NewEngine(4), scoring.NewAggregator(nil), detect.Options{}, nil)
	return detector, store
}

func publishEvent(t *testing.T, b domain.EventBus, tenantID string, req *domain.EventRequest) {
	t.Helper()

	payload, err := json.Marshal(EventMessage{TenantID: tenantID, Event: req})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), tenantID, domain.TopicEventReceived, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestWorkerProcessesEvent(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(100)
	defer b.Close()

	detector, store := newTestDetector(t)

	var verdicts atomic.Int32
	var lastTier atomic.Value
	_, err := b.Subscribe(ctx, "tenant-001", domain.TopicVerdictCreated, func(ctx context.Context, msg *domain.Message) error {
		var v domain.Verdict
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return err
		}
		verdicts.Add(1)
		lastTier.Store(string(v.Tier))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	w := NewWorker(b, nil, nil, detector, store, nil)
	defer w.Stop()

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	publishEvent(t, b, "tenant-001", &domain.EventRequest{
		Channel: domain.ChannelSMS,
		Text:    "Your delivery is scheduled for tomorrow.",
	})

	time.Sleep(100 * time.Millisecond)

	if verdicts.Load() != 1 {
		t.Fatalf("expected 1 verdict, got %d", verdicts.Load())
	}
	if lastTier.Load() != "T0" {
		t.Errorf("expected tier T0 for clean message, got %v", lastTier.Load())
	}
}

func TestWorkerPublishesAlertForFlaggedTier(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(100)
	defer b.Close()

	detector, store := newTestDetector(t)

	var alerts atomic.Int32
	_, _ = b.Subscribe(ctx, "tenant-001", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		return nil
	})

	w := NewWorker(b, nil, nil, detector, store, nil)
	defer w.Stop()

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Hard stop forces score 100 / T3, above the T2 alert cutoff
	publishEvent(t, b, "tenant-001", &domain.EventRequest{
		Channel:    domain.ChannelEmail,
		Text:       "Enter the code we just sent you to keep your account open",
		Reputation: &domain.Reputation{GlobalBlacklist: true},
	})

	time.Sleep(100 * time.Millisecond)

	if alerts.Load() != 1 {
		t.Errorf("expected 1 alert, got %d", alerts.Load())
	}
}

func TestWorkerNoAlertBelowCutoff(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(100)
	defer b.Close()

	detector, store := newTestDetector(t)

	var alerts atomic.Int32
	_, _ = b.Subscribe(ctx, "tenant-001", domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		return nil
	})

	w := NewWorker(b, nil, nil, detector, store, nil)
	defer w.Stop()

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	publishEvent(t, b, "tenant-001", &domain.EventRequest{
		Channel: domain.ChannelSMS,
		Text:    "Lunch at noon?",
	})

	time.Sleep(100 * time.Millisecond)

	if alerts.Load() != 0 {
		t.Errorf("expected no alerts for clean message, got %d", alerts.Load())
	}
}

func TestWorkerIgnoresMalformedMessage(t *testing.T) {
	ctx := context.Background()
	b := bus.NewChannelBus(100)
	defer b.Close()

	detector, store := newTestDetector(t)

	var verdicts atomic.Int32
	_, _ = b.Subscribe(ctx, "tenant-001", domain.TopicVerdictCreated, func(ctx context.Context, msg *domain.Message) error {
		verdicts.Add(1)
		return nil
	})

	w := NewWorker(b, nil, nil, detector, store, nil)
	defer w.Stop()

	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_ = b.Publish(ctx, "tenant-001", domain.TopicEventReceived, []byte("not json"))
	_ = b.Publish(ctx, "tenant-001", domain.TopicEventReceived, []byte(`{"tenantId":"tenant-001"}`))

	time.Sleep(100 * time.Millisecond)

	if verdicts.Load() != 0 {
		t.Errorf("expected no verdicts for malformed messages, got %d", verdicts.Load())
	}
}

func TestWorkerStats(t *testing.T) {
	b := bus.NewChannelBus(10)
	defer b.Close()

	detector, store := newTestDetector(t)

	w := NewWorker(b, nil, nil, detector, store, nil)
	defer w.Stop()

	if err := w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stats := w.GetStats()
	if stats.SubscriptionCount != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stats = w.GetStats()
	if stats.SubscriptionCount != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
	}
}
