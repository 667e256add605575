// Package detect composes extraction, rule evaluation, and scoring
// into the event evaluation pipeline.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-trust/shrike/internal/domain"
	"github.com/opensource-trust/shrike/internal/features"
	"github.com/opensource-trust/shrike/internal/ml"
	"github.com/opensource-trust/shrike/internal/rules"
	"github.com/opensource-trust/shrike/internal/ruleset"
	"github.com/opensource-trust/shrike/internal/scoring"
	"github.com/opensource-trust/shrike/internal/velocity"
)

// EngineVersion is stamped into every verdict's metadata.
const EngineVersion = "1.0.0"

// Detector runs the full pipeline for one event: feature extraction,
// rule evaluation under a pinned ruleset version, signal aggregation,
// and verdict assembly. Persistence and publication are the caller's
// concern; Detect itself has no side effects beyond the velocity
// counter, and Redetect has none at all.
type Detector struct {
	store    *ruleset.Store
	engine   *rules.Engine
	agg      *scoring.Aggregator
	velocity *velocity.Service
	provider ml.Provider
	logger   *slog.Logger

	velocityWindowSecs int
}

// Options configure optional detector collaborators.
type Options struct {
	// Velocity supplies sender event counts; nil disables the signal
	Velocity *velocity.Service

	// Provider supplies ML probabilities; nil means expert-only scoring
	Provider ml.Provider

	// VelocityWindowSecs is the sliding window for sender counts
	VelocityWindowSecs int
}

// New creates a detector.
func New(store *ruleset.Store, engine *rules.Engine, agg *scoring.Aggregator, opts Options, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	windowSecs := opts.VelocityWindowSecs
	if windowSecs <= 0 {
		windowSecs = 3600
	}
	return &Detector{
		store:              store,
		engine:             engine,
		agg:                agg,
		velocity:           opts.Velocity,
		provider:           opts.Provider,
		logger:             logger,
		velocityWindowSecs: windowSecs,
	}
}

// Detect evaluates one event and returns the verdict. rulesetVersion
// pins a specific published version; 0 selects the current one.
// mlOverride, when non-nil, is a caller-supplied probability that wins
// over the provider (the request already carried a model score).
func (d *Detector) Detect(ctx context.Context, event *domain.Event, rulesetVersion int, mlOverride *float64) (*domain.Verdict, error) {
	return d.detect(ctx, event, rulesetVersion, mlOverride, true)
}

// Redetect re-evaluates an already-recorded event. The sender velocity
// is read without incrementing, anchored at the event's receipt time,
// so repeated evaluations of the same event under the same ruleset
// version yield identical verdicts.
func (d *Detector) Redetect(ctx context.Context, event *domain.Event, rulesetVersion int, mlOverride *float64) (*domain.Verdict, error) {
	return d.detect(ctx, event, rulesetVersion, mlOverride, false)
}

func (d *Detector) detect(ctx context.Context, event *domain.Event, rulesetVersion int, mlOverride *float64, record bool) (*domain.Verdict, error) {
	started := time.Now()

	crs, err := d.resolveRuleset(rulesetVersion)
	if err != nil {
		return nil, err
	}

	var notes []string

	senderCount := int64(0)
	if d.velocity != nil && event.Sender.Address != "" {
		var count int64
		var verr error
		if record {
			count, verr = d.velocity.Record(ctx, event.TenantID, event.Sender.Address, d.velocityWindowSecs)
		} else {
			asOf := event.ReceivedAt
			if asOf.IsZero() {
				asOf = time.Now()
			}
			count, verr = d.velocity.Count(ctx, event.TenantID, event.Sender.Address, d.velocityWindowSecs, asOf)
		}
		if verr != nil {
			notes = append(notes, "sender velocity unavailable; counted as 0")
			d.logger.Warn("velocity lookup failed",
				"tenant_id", event.TenantID,
				"sender", event.Sender.Address,
				"error", verr)
		} else {
			senderCount = count
		}
	}

	extractStart := time.Now()
	fv := features.Extract(event, senderCount)
	extractMs := time.Since(extractStart).Milliseconds()

	rulesStart := time.Now()
	hits, skipped := d.engine.Evaluate(ctx, crs, fv)
	rulesMs := time.Since(rulesStart).Milliseconds()

	for _, sk := range skipped {
		d.logger.Warn("rule condition failed to evaluate",
			"tenant_id", event.TenantID,
			"event_id", event.ID,
			"rule_id", sk.RuleID,
			"reason", sk.Reason)
	}

	mlProb := d.resolveMLProbability(ctx, fv, mlOverride, &notes)

	score, tier, expl := d.agg.Aggregate(scoring.Input{
		Ruleset:        crs.Ruleset,
		Hits:           hits,
		Skipped:        skipped,
		ReputationRisk: fv.Float(domain.FeatReputationRisk),
		MLProbability:  mlProb,
		Notes:          append(notes, fv.Notes...),
	})

	rules.SortHits(hits)

	verdict := &domain.Verdict{
		ID:             uuid.New().String(),
		TenantID:       event.TenantID,
		EventID:        event.ID,
		RulesetVersion: crs.Ruleset.Version,
		Score:          score,
		Tier:           tier,
		RuleHits:       hits,
		Explanation:    expl,
		Actions:        crs.Ruleset.ActionsFor(tier),
		CreatedAt:      time.Now().UTC(),
		Metadata: domain.VerdictMetadata{
			TraceID:        traceIDFrom(ctx),
			ExtractMs:      extractMs,
			RulesMs:        rulesMs,
			TotalMs:        time.Since(started).Milliseconds(),
			RulesEvaluated: len(crs.Ruleset.Rules),
			EngineVersion:  EngineVersion,
		},
	}

	d.logger.Info("event evaluated",
		"tenant_id", event.TenantID,
		"event_id", event.ID,
		"ruleset_version", verdict.RulesetVersion,
		"score", score,
		"tier", tier,
		"hits", len(hits),
		"total_ms", verdict.Metadata.TotalMs)

	return verdict, nil
}

// resolveRuleset pins the version the whole evaluation runs under.
func (d *Detector) resolveRuleset(version int) (*rules.CompiledRuleset, error) {
	if version > 0 {
		crs, err := d.store.Get(version)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve ruleset version %d: %w", version, err)
		}
		return crs, nil
	}
	crs, err := d.store.Current()
	if err != nil {
		return nil, err
	}
	return crs, nil
}

// resolveMLProbability picks the model signal: a request-supplied
// probability wins, then the provider; nil degrades to expert-only.
func (d *Detector) resolveMLProbability(ctx context.Context, fv *domain.FeatureVector, override *float64, notes *[]string) *float64 {
	if override != nil {
		if *override < 0 || *override > 1 {
			*notes = append(*notes, fmt.Sprintf("supplied ml probability %.4f outside [0,1]; ignored", *override))
			return nil
		}
		return override
	}

	if d.provider == nil {
		return nil
	}

	p, err := d.provider.Probability(ctx, fv)
	if err != nil {
		*notes = append(*notes, "ml provider failed; expert score used alone")
		d.logger.Warn("ml provider failed", "error", err)
		return nil
	}
	return &p
}

func traceIDFrom(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
