package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/opensource-trust/shrike/internal/bus"
	"github.com/opensource-trust/shrike/internal/cache"
	"github.com/opensource-trust/shrike/internal/detect"
	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/feedback"
	"github.com/opensource-trust/shrike/internal/repository"
	"github.com/opensource-trust/shrike/internal/rules"
	"github.com/opensource-trust/shrike/internal/ruleset"
	"github.com/opensource-trust/shrike/internal/scoring"
)

const testRulesetYAML = `
name: api-test
rules:
  - id: otp-request
    condition: has_otp
    weight: 60
    category: credentials
    explanation: message asks for a one-time passcode
  - id: urgency
    condition: has_urgency
    weight: 20
    category: pressure
  - id: known-mule
    condition: confirmed_mule
    weight: 100
    hard_stop: true
`

func newTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(100)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	compiler, err := rules.NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	store := ruleset.NewStore(compiler, repo, b, nil)
	rs, err := ruleset.Parse([]byte(testRulesetYAML))
	if err != nil {
		t.Fatalf("failed to parse ruleset: %v", err)
	}
	if _, err := store.Publish(context.Background(), rs); err != nil {
		t.Fatalf("failed to publish ruleset: %v", err)
	}

	detector := detect.New(store, rules.NewEngine(4), scoring.NewAggregator(nil), detect.Options{}, nil)
	reconciler := feedback.NewReconciler(repo, nil)

	return NewServer(domain.ServerConfig{Host: "127.0.0.1", Port: 0}, repo, c, b, detector, store, reconciler, "test")
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, tenant string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(TenantIDHeader, tenant)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeVerdict(t *testing.T, rec *httptest.ResponseRecorder) *domain.Verdict {
	t.Helper()
	var v domain.Verdict
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode verdict: %v (body: %s)", err, rec.Body.String())
	}
	return &v
}

func TestDetectEndpoint(t *testing.T) {
	srv := newTestServer(t)

	t.Run("ScamMessage", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{
			Channel: domain.ChannelSMS,
			Text:    "URGENT: verify your one-time password now or your account will be closed",
		}, "tenant-001")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		v := decodeVerdict(t, rec)
		if v.ID == "" || v.EventID == "" {
			t.Error("expected verdict and event IDs to be set")
		}
		if v.RulesetVersion != 1 {
			t.Errorf("expected ruleset version 1, got %d", v.RulesetVersion)
		}
		if got := rec.Header().Get(RulesetVersionHeader); got != "1" {
			t.Errorf("expected X-Ruleset-Version header 1, got %q", got)
		}
		if len(v.RuleHits) == 0 {
			t.Error("expected rule hits for scam message")
		}
		if len(v.Explanation.Contributions) == 0 {
			t.Error("expected explanation contributions")
		}
	})

	t.Run("CleanMessage", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{
			Channel: domain.ChannelSMS,
			Text:    "See you at dinner tonight",
		}, "tenant-001")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		v := decodeVerdict(t, rec)
		if v.Tier != domain.TierT0 {
			t.Errorf("expected T0 for clean message, got %s", v.Tier)
		}
	})

	t.Run("RequiresTenantHeader", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{Text: "hello"}, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 without tenant header, got %d", rec.Code)
		}
	})

	t.Run("RejectsEmptyBody", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{}, "tenant-001")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for empty event, got %d", rec.Code)
		}
	})

	t.Run("RejectsInvalidJSON", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/detect", []byte("{not json"), "tenant-001")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for invalid JSON, got %d", rec.Code)
		}
	})

	t.Run("RejectsOutOfRangeMLProbability", func(t *testing.T) {
		p := 1.5
		rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{
			Text:          "hello",
			MLProbability: &p,
		}, "tenant-001")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for out-of-range probability, got %d", rec.Code)
		}
	})

	t.Run("RejectsUnknownRulesetVersion", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{
			Text:           "hello",
			RulesetVersion: 99,
		}, "tenant-001")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown version, got %d", rec.Code)
		}
	})
}

func TestEventAndVerdictRetrieval(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{
		Channel: domain.ChannelEmail,
		Text:    "Please verify your one-time password immediately",
	}, "tenant-001")
	if rec.Code != http.StatusOK {
		t.Fatalf("detect failed: %d", rec.Code)
	}
	v := decodeVerdict(t, rec)

	t.Run("GetEvent", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/events/"+v.EventID, nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var evt domain.Event
		if err := json.Unmarshal(rec.Body.Bytes(), &evt); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if evt.ID != v.EventID {
			t.Errorf("expected event %s, got %s", v.EventID, evt.ID)
		}
	})

	t.Run("GetVerdict", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/verdicts/"+v.ID, nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		got := decodeVerdict(t, rec)
		if got.Score != v.Score {
			t.Errorf("expected score %.2f, got %.2f", v.Score, got.Score)
		}
	})

	t.Run("ListVerdicts", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/events/"+v.EventID+"/verdicts", nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 verdict, got %d", resp.Count)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/events/"+v.EventID, nil, "tenant-002")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 across tenants, got %d", rec.Code)
		}
	})

	t.Run("UnknownEvent", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/events/does-not-exist", nil, "tenant-001")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestReevaluateEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{
		Channel: domain.ChannelSMS,
		Text:    "Urgent: verify your one-time password now",
	}, "tenant-001")
	if rec.Code != http.StatusOK {
		t.Fatalf("detect failed: %d", rec.Code)
	}
	first := decodeVerdict(t, rec)

	// Publish a stricter version, then reevaluate under it
	stricter := `
name: api-test-v2
rules:
  - id: otp-request
    condition: has_otp
    weight: 90
  - id: urgency
    condition: has_urgency
    weight: 50
`
	rec = doJSON(t, srv, http.MethodPost, "/rulesets", []byte(stricter), "tenant-001")
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish failed: %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/events/"+first.EventID+"/reevaluate", nil, "tenant-001")
	if rec.Code != http.StatusOK {
		t.Fatalf("reevaluate failed: %d: %s", rec.Code, rec.Body.String())
	}
	second := decodeVerdict(t, rec)

	if second.RulesetVersion != 2 {
		t.Errorf("expected re-evaluation under version 2, got %d", second.RulesetVersion)
	}
	if got := rec.Header().Get(RulesetVersionHeader); got != "2" {
		t.Errorf("expected X-Ruleset-Version header 2, got %q", got)
	}
	if second.ID == first.ID {
		t.Error("expected a new verdict, not a mutation")
	}
	if second.Score <= first.Score {
		t.Errorf("expected stricter ruleset to raise the score: %.2f vs %.2f", second.Score, first.Score)
	}

	// Both verdicts remain in history
	rec = doJSON(t, srv, http.MethodGet, "/events/"+first.EventID+"/verdicts", nil, "tenant-001")
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("expected 2 verdicts after re-evaluation, got %d", resp.Count)
	}
}

func TestRulesetEndpoints(t *testing.T) {
	srv := newTestServer(t)

	t.Run("Current", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/rulesets/current", nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var rs domain.Ruleset
		if err := json.Unmarshal(rec.Body.Bytes(), &rs); err != nil {
			t.Fatalf("failed to decode ruleset: %v", err)
		}
		if rs.Version != 1 {
			t.Errorf("expected version 1, got %d", rs.Version)
		}
	})

	t.Run("ByVersion", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/rulesets/1", nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/rulesets/42", nil, "tenant-001")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("BadVersion", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/rulesets/abc", nil, "tenant-001")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/rulesets", nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 ruleset, got %d", resp.Count)
		}
	})

	t.Run("PublishRejectsInvalid", func(t *testing.T) {
		bad := `
name: broken
rules:
  - id: broken-rule
    condition: "no_such_feature > 3"
    weight: 10
`
		rec := doJSON(t, srv, http.MethodPost, "/rulesets", []byte(bad), "tenant-001")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for uncompilable ruleset, got %d", rec.Code)
		}

		// Active version unchanged
		rec = doJSON(t, srv, http.MethodGet, "/rulesets/current", nil, "tenant-001")
		var rs domain.Ruleset
		_ = json.Unmarshal(rec.Body.Bytes(), &rs)
		if rs.Version != 1 {
			t.Errorf("expected version 1 still active, got %d", rs.Version)
		}
	})
}

func TestFeedbackEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/detect", domain.EventRequest{
		Channel: domain.ChannelSMS,
		Text:    "Share your one-time password right away, this is urgent",
	}, "tenant-001")
	if rec.Code != http.StatusOK {
		t.Fatalf("detect failed: %d", rec.Code)
	}
	v := decodeVerdict(t, rec)

	t.Run("SubmitAndReconcile", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/feedback", FeedbackRequest{
			EventID:  v.EventID,
			Label:    domain.LabelScam,
			Reviewer: "analyst-1",
		}, "tenant-001")
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		var resp struct {
			Feedback      domain.Feedback       `json:"feedback"`
			Discrepancies []*domain.Discrepancy `json:"discrepancies"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Feedback.ID == "" {
			t.Error("expected feedback ID to be assigned")
		}
		if len(resp.Discrepancies) != 1 {
			t.Fatalf("expected 1 discrepancy, got %d", len(resp.Discrepancies))
		}
		if resp.Discrepancies[0].VerdictID != v.ID {
			t.Errorf("expected discrepancy against verdict %s", v.ID)
		}
	})

	t.Run("ListEventFeedback", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/events/"+v.EventID+"/feedback", nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 feedback record, got %d", resp.Count)
		}
	})

	t.Run("ListDiscrepancies", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/discrepancies", nil, "tenant-001")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 discrepancy, got %d", resp.Count)
		}
	})

	t.Run("RejectsUnknownEvent", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/feedback", FeedbackRequest{
			EventID: "does-not-exist",
			Label:   domain.LabelScam,
		}, "tenant-001")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 for unknown event, got %d", rec.Code)
		}
	})

	t.Run("RejectsBadLabel", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/feedback", FeedbackRequest{
			EventID: v.EventID,
			Label:   "maybe",
		}, "tenant-001")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad label, got %d", rec.Code)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/health", nil, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp map[string]string
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/ready", nil, "")
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}
