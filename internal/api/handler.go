package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-trust/shrike/internal/detect"
	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/feedback"
	"github.com/opensource-trust/shrike/internal/repository"
	"github.com/opensource-trust/shrike/internal/ruleset"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	bus        domain.EventBus
	detector   *detect.Detector
	store      *ruleset.Store
	reconciler *feedback.Reconciler
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, detector *detect.Detector, store *ruleset.Store, reconciler *feedback.Reconciler, version string) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		bus:        bus,
		detector:   detector,
		store:      store,
		reconciler: reconciler,
		version:    version,
	}
}

// Detect handles POST /detect requests: synchronous classification of a
// single event.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req domain.EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.Text == "" && req.DisplayDomain == "" && req.FinalDomain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "text or a domain is required",
		})
		return
	}
	if req.MLProbability != nil && (*req.MLProbability < 0 || *req.MLProbability > 1) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "mlProbability must be between 0 and 1",
		})
		return
	}

	event := req.ToEvent()
	event.ID = uuid.New().String()
	event.TenantID = tenantID

	verdict, err := h.detector.Detect(ctx, event, req.RulesetVersion, req.MLProbability)
	if err != nil {
		if errors.Is(err, ruleset.ErrVersionNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unknown ruleset version",
			})
			return
		}
		if errors.Is(err, ruleset.ErrNoRuleset) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "no ruleset published",
			})
			return
		}
		slog.Error("detection failed", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "detection failed",
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveEvent(ctx, tenantID, event); err != nil {
			slog.Error("failed to save event", "event_id", event.ID, "error", err)
		}
		if err := h.repo.SaveVerdict(ctx, tenantID, verdict); err != nil {
			slog.Error("failed to save verdict", "event_id", event.ID, "error", err)
		}
	}

	if h.cache != nil {
		cached := &domain.VerdictCache{
			VerdictID:      verdict.ID,
			EventID:        verdict.EventID,
			RulesetVersion: verdict.RulesetVersion,
			Score:          verdict.Score,
			Tier:           verdict.Tier,
		}
		if err := h.cache.SetVerdict(ctx, tenantID, event.ID, cached, 15*time.Minute); err != nil {
			slog.Warn("failed to cache verdict", "event_id", event.ID, "error", err)
		}
	}

	if h.bus != nil {
		payload, _ := json.Marshal(verdict)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicVerdictCreated, payload); err != nil {
			slog.Error("failed to publish verdict", "event_id", event.ID, "error", err)
		}
		if verdict.Flagged(h.alertCutoff(verdict.RulesetVersion)) {
			if err := h.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
				slog.Error("failed to publish alert", "event_id", event.ID, "error", err)
			}
		}
	}

	w.Header().Set(RulesetVersionHeader, strconv.Itoa(verdict.RulesetVersion))
	writeJSON(w, http.StatusOK, verdict)
}

func (h *Handler) alertCutoff(version int) domain.Tier {
	if h.store != nil {
		if compiled, err := h.store.Get(version); err == nil && compiled.Ruleset.ScamTierCutoff != "" {
			return compiled.Ruleset.ScamTierCutoff
		}
	}
	return domain.TierT2
}

// GetEvent retrieves an event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	event, err := h.repo.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// GetVerdict retrieves a verdict by ID.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	verdictID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	verdict, err := h.repo.GetVerdict(ctx, tenantID, verdictID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "verdict not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, verdict)
}

// ListEventVerdicts returns all verdicts for an event, oldest first.
// Re-evaluations append verdicts, so the history shows how the score
// moved across ruleset versions.
func (h *Handler) ListEventVerdicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	verdicts, err := h.repo.ListVerdictsByEvent(ctx, tenantID, eventID)
	if err != nil {
		slog.Error("failed to list verdicts", "event_id", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list verdicts",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eventId":  eventID,
		"verdicts": verdicts,
		"count":    len(verdicts),
	})
}

// ReevaluateRequest is the request body for POST /events/{id}/reevaluate.
type ReevaluateRequest struct {
	RulesetVersion int      `json:"rulesetVersion,omitempty"`
	MLProbability  *float64 `json:"mlProbability,omitempty"`
}

// Reevaluate runs a stored event through the engine again, under the
// current ruleset or a pinned version. The original verdict is kept; a
// new one is appended.
func (h *Handler) Reevaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	var req ReevaluateRequest
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": "invalid JSON request body",
				})
				return
			}
		}
	}

	event, err := h.repo.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event not found",
		})
		return
	}

	verdict, err := h.detector.Redetect(ctx, event, req.RulesetVersion, req.MLProbability)
	if err != nil {
		if errors.Is(err, ruleset.ErrVersionNotFound) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unknown ruleset version",
			})
			return
		}
		slog.Error("re-evaluation failed", "event_id", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "re-evaluation failed",
		})
		return
	}

	if err := h.repo.SaveVerdict(ctx, tenantID, verdict); err != nil {
		slog.Error("failed to save verdict", "event_id", eventID, "error", err)
	}

	if h.bus != nil {
		payload, _ := json.Marshal(verdict)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicVerdictCreated, payload); err != nil {
			slog.Error("failed to publish verdict", "event_id", eventID, "error", err)
		}
	}

	w.Header().Set(RulesetVersionHeader, strconv.Itoa(verdict.RulesetVersion))
	writeJSON(w, http.StatusOK, verdict)
}

// ListRulesets returns all published ruleset versions, oldest first.
func (h *Handler) ListRulesets(w http.ResponseWriter, r *http.Request) {
	rulesets := h.store.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rulesets": rulesets,
		"count":    len(rulesets),
	})
}

// GetCurrentRuleset returns the active ruleset version.
func (h *Handler) GetCurrentRuleset(w http.ResponseWriter, r *http.Request) {
	compiled, err := h.store.Current()
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no ruleset published",
		})
		return
	}
	writeJSON(w, http.StatusOK, compiled.Ruleset)
}

// GetRuleset returns a specific published ruleset version.
func (h *Handler) GetRuleset(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "version must be a positive integer",
		})
		return
	}

	compiled, err := h.store.Get(version)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "ruleset version not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, compiled.Ruleset)
}

// PublishRuleset handles POST /rulesets: validates and publishes a new
// ruleset version. The body is a ruleset document in YAML or JSON.
func (h *Handler) PublishRuleset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "request body is required",
		})
		return
	}

	rs, err := ruleset.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid ruleset: " + err.Error(),
		})
		return
	}

	version, err := h.store.Publish(ctx, rs)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ruleset rejected: " + err.Error(),
		})
		return
	}

	slog.Info("ruleset published via API", "version", version, "rules", len(rs.Rules))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"version": version,
		"rules":   len(rs.Rules),
	})
}

// FeedbackRequest is the request body for POST /feedback.
type FeedbackRequest struct {
	EventID  string `json:"eventId"`
	Label    string `json:"label"`
	Reviewer string `json:"reviewer,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// SubmitFeedback handles POST /feedback: records a ground-truth label
// for an event and reconciles it against every stored verdict.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.reconciler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "feedback not available",
		})
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.EventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "eventId is required",
		})
		return
	}

	fb := &domain.Feedback{
		EventID:  req.EventID,
		Label:    req.Label,
		Reviewer: req.Reviewer,
		Notes:    req.Notes,
	}

	discrepancies, err := h.reconciler.Reconcile(ctx, tenantID, fb)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "event not found",
			})
			return
		}
		if errors.Is(err, feedback.ErrInvalidLabel) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
			return
		}
		slog.Error("feedback reconciliation failed", "event_id", req.EventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to record feedback",
		})
		return
	}

	if h.bus != nil {
		payload, _ := json.Marshal(fb)
		if err := h.bus.Publish(ctx, tenantID, domain.TopicFeedbackReceived, payload); err != nil {
			slog.Error("failed to publish feedback", "event_id", req.EventID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"feedback":      fb,
		"discrepancies": discrepancies,
	})
}

// ListEventFeedback returns all feedback recorded for an event.
func (h *Handler) ListEventFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	items, err := h.repo.ListFeedbackByEvent(ctx, tenantID, eventID)
	if err != nil {
		slog.Error("failed to list feedback", "event_id", eventID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list feedback",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eventId":  eventID,
		"feedback": items,
		"count":    len(items),
	})
}

// ListDiscrepancies returns reconciliation records, newest first. The
// optional "hours" query parameter bounds the lookback window (default
// 168, one week).
func (h *Handler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	hours := 168
	if v := r.URL.Query().Get("hours"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "hours must be a positive integer",
			})
			return
		}
		hours = parsed
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	items, err := h.repo.ListDiscrepancies(ctx, tenantID, since)
	if err != nil {
		slog.Error("failed to list discrepancies", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list discrepancies",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"discrepancies": items,
		"count":         len(items),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server can classify: it needs at least one
// published ruleset.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.store.LatestVersion() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "no ruleset published",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
