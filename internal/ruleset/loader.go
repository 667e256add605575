// Package ruleset loads, validates, versions, and serves rulesets.
package ruleset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/opensource-trust/shrike/internal/domain"
)

// ErrInvalidRuleset marks a ruleset rejected during validation. No part
// of an invalid ruleset is ever published.
var ErrInvalidRuleset = errors.New("invalid ruleset")

// document is the YAML shape of a ruleset file. Version and CreatedAt
// are assigned at publication, never read from the file.
type document struct {
	Name           string                    `yaml:"name"`
	Rules          []domain.Rule             `yaml:"rules"`
	Thresholds     []domain.TierThreshold    `yaml:"thresholds"`
	Blend          *domain.BlendConfig       `yaml:"blend"`
	Actions        map[domain.Tier][]string  `yaml:"actions"`
	ScamTierCutoff domain.Tier               `yaml:"scam_tier_cutoff"`
}

// Parse decodes a YAML ruleset document. Omitted policy sections fall
// back to the stock defaults; rules must always be explicit.
func Parse(data []byte) (*domain.Ruleset, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse ruleset: %w", err)
	}

	rs := &domain.Ruleset{
		Name:           doc.Name,
		Rules:          doc.Rules,
		Thresholds:     doc.Thresholds,
		ActionsByTier:  doc.Actions,
		ScamTierCutoff: doc.ScamTierCutoff,
	}

	if doc.Blend != nil {
		rs.Blend = *doc.Blend
	} else {
		rs.Blend = domain.DefaultBlend()
	}
	if len(rs.Thresholds) == 0 {
		rs.Thresholds = domain.DefaultThresholds()
	}
	if rs.ActionsByTier == nil {
		rs.ActionsByTier = domain.DefaultActions()
	}
	if rs.ScamTierCutoff == "" {
		rs.ScamTierCutoff = domain.TierT2
	}

	return rs, nil
}

// LoadFile parses one ruleset YAML file.
func LoadFile(path string) (*domain.Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ruleset file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadDir parses every .yaml/.yml file in a directory, sorted by file
// name so publication order is stable.
func LoadDir(dir string) ([]*domain.Ruleset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var rulesets []*domain.Ruleset
	for _, name := range names {
		rs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		rulesets = append(rulesets, rs)
	}
	return rulesets, nil
}

// Validate rejects any ruleset that could produce an ambiguous or
// unmappable verdict. Checked before every publication:
//   - at least one rule, each with an ID and a condition, IDs unique
//   - thresholds cover every tier exactly once, in ascending risk
//     order, strictly increasing, starting at ScoreMin
//   - blend parameters inside their ranges
//   - every tier has an action entry
//   - the scam tier cutoff names a real tier
//
// Condition compilation is the store's job; Validate is purely
// structural so it can run without a CEL environment.
func Validate(rs *domain.Ruleset) error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("%w: no rules", ErrInvalidRuleset)
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i, rule := range rs.Rules {
		if rule.ID == "" {
			return fmt.Errorf("%w: rule %d has no id", ErrInvalidRuleset, i)
		}
		if seen[rule.ID] {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidRuleset, rule.ID)
		}
		seen[rule.ID] = true
		if rule.Condition == "" {
			return fmt.Errorf("%w: rule %s has no condition", ErrInvalidRuleset, rule.ID)
		}
	}

	if err := validateThresholds(rs.Thresholds); err != nil {
		return err
	}

	b := rs.Blend
	if b.Alpha < 0 || b.Alpha > 1 {
		return fmt.Errorf("%w: blend alpha %.2f outside [0,1]", ErrInvalidRuleset, b.Alpha)
	}
	if b.ReputationWeight < 0 || b.ReputationCap < 0 {
		return fmt.Errorf("%w: negative reputation blend parameters", ErrInvalidRuleset)
	}

	for _, tier := range domain.Tiers {
		if len(rs.ActionsByTier[tier]) == 0 {
			return fmt.Errorf("%w: tier %s has no actions", ErrInvalidRuleset, tier)
		}
	}

	if !validTier(rs.ScamTierCutoff) {
		return fmt.Errorf("%w: unknown scam tier cutoff %q", ErrInvalidRuleset, rs.ScamTierCutoff)
	}

	return nil
}

// validateThresholds enforces an exhaustive, non-overlapping partition
// of [ScoreMin, ScoreMax]: one entry per tier, ascending, strictly
// increasing lower bounds, first bound at ScoreMin. Closed-open lower
// bounds make gaps and overlaps structurally impossible once these
// hold.
func validateThresholds(thresholds []domain.TierThreshold) error {
	if len(thresholds) != len(domain.Tiers) {
		return fmt.Errorf("%w: need exactly %d tier thresholds, got %d",
			ErrInvalidRuleset, len(domain.Tiers), len(thresholds))
	}

	for i, t := range thresholds {
		if t.Tier != domain.Tiers[i] {
			return fmt.Errorf("%w: threshold %d must be tier %s, got %s",
				ErrInvalidRuleset, i, domain.Tiers[i], t.Tier)
		}
		if t.Lower < domain.ScoreMin || t.Lower > domain.ScoreMax {
			return fmt.Errorf("%w: tier %s lower bound %.2f outside [%.0f,%.0f]",
				ErrInvalidRuleset, t.Tier, t.Lower, domain.ScoreMin, domain.ScoreMax)
		}
	}

	if thresholds[0].Lower != domain.ScoreMin {
		return fmt.Errorf("%w: tier %s must start at %.0f",
			ErrInvalidRuleset, thresholds[0].Tier, domain.ScoreMin)
	}

	for i := 1; i < len(thresholds); i++ {
		if thresholds[i].Lower <= thresholds[i-1].Lower {
			return fmt.Errorf("%w: tier bounds must be strictly increasing (%s %.2f then %s %.2f)",
				ErrInvalidRuleset,
				thresholds[i-1].Tier, thresholds[i-1].Lower,
				thresholds[i].Tier, thresholds[i].Lower)
		}
	}

	return nil
}

func validTier(t domain.Tier) bool {
	for _, tier := range domain.Tiers {
		if tier == t {
			return true
		}
	}
	return false
}
