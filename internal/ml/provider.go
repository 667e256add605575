// Package ml integrates the optional scam-probability model. The model
// is advisory: when it is absent, slow, or broken, detection proceeds
// on the expert score alone.
package ml

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/opensource-trust/shrike/internal/domain"
)

// Provider returns a scam probability in [0,1] for a feature vector.
type Provider interface {
	Probability(ctx context.Context, fv *domain.FeatureVector) (float64, error)
}

// request is the wire payload sent to the model service. Only numeric
// and boolean features go over; raw text stays inside the engine.
type request struct {
	Channel        string  `json:"channel"`
	TextLen        int64   `json:"text_len"`
	DomainMismatch bool    `json:"domain_mismatch"`
	LookalikeScore float64 `json:"lookalike_score"`
	HasOTP         bool    `json:"has_otp"`
	HasSeed        bool    `json:"has_seed"`
	HasUrgency     bool    `json:"has_urgency"`
	HasSecrecy     bool    `json:"has_secrecy"`
	SenderSeen     bool    `json:"sender_prior_seen"`
	ConfirmedMule  bool    `json:"confirmed_mule"`
	DomainAgeDays  int64   `json:"domain_age_days"`
	Reports90d     int64   `json:"reports_last_90d"`
	Blacklisted    bool    `json:"global_blacklist"`
	ReputationRisk float64 `json:"reputation_risk"`
	SenderVelocity int64   `json:"sender_event_count"`
}

type response struct {
	Probability float64 `json:"probability"`
}

// HTTPProvider calls an external model service over HTTP.
type HTTPProvider struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPProvider creates a provider against the given scoring URL.
// The timeout bounds the whole request; a slow model degrades to
// expert-only scoring rather than slowing detection down.
func NewHTTPProvider(url string, timeout time.Duration, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Probability sends the numeric feature payload and parses the model's
// probability. Any transport or protocol failure is an error; the
// caller treats it as "no ML signal".
func (p *HTTPProvider) Probability(ctx context.Context, fv *domain.FeatureVector) (float64, error) {
	payload := request{
		Channel:        fv.String(domain.FeatChannel),
		TextLen:        fv.Int(domain.FeatTextLen),
		DomainMismatch: fv.Bool(domain.FeatDomainMismatch),
		LookalikeScore: fv.Float(domain.FeatLookalike),
		HasOTP:         fv.Bool(domain.FeatHasOTP),
		HasSeed:        fv.Bool(domain.FeatHasSeed),
		HasUrgency:     fv.Bool(domain.FeatHasUrgency),
		HasSecrecy:     fv.Bool(domain.FeatHasSecrecy),
		SenderSeen:     fv.Bool(domain.FeatSenderSeen),
		ConfirmedMule:  fv.Bool(domain.FeatConfirmedMule),
		DomainAgeDays:  fv.Int(domain.FeatDomainAgeDays),
		Reports90d:     fv.Int(domain.FeatReports90d),
		Blacklisted:    fv.Bool(domain.FeatBlacklisted),
		ReputationRisk: fv.Float(domain.FeatReputationRisk),
		SenderVelocity: fv.Int(domain.FeatSenderVelocity),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode ml payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build ml request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ml request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ml service returned status %d", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode ml response: %w", err)
	}

	if out.Probability < 0 || out.Probability > 1 {
		return 0, fmt.Errorf("ml probability %.4f outside [0,1]", out.Probability)
	}

	return out.Probability, nil
}

// StaticProvider always returns a fixed probability. Used in tests and
// single-node setups that pin the model contribution.
type StaticProvider struct {
	P float64
}

func (s *StaticProvider) Probability(context.Context, *domain.FeatureVector) (float64, error) {
	return s.P, nil
}
