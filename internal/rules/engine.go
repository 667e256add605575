// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-trust/shrike/internal/domain"
)

// Compiler compiles rule conditions against the closed feature
// variable set. Conditions are data, not code: only the declared
// variables and CEL's builtin operators are available, which keeps
// evaluation total and auditable.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler with every feature key declared.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable(domain.FeatText, cel.StringType),
		cel.Variable(domain.FeatTextRaw, cel.StringType),
		cel.Variable(domain.FeatTextLen, cel.IntType),
		cel.Variable(domain.FeatChannel, cel.StringType),
		cel.Variable(domain.FeatDisplayDomain, cel.StringType),
		cel.Variable(domain.FeatFinalDomain, cel.StringType),
		cel.Variable(domain.FeatDomainMismatch, cel.BoolType),
		cel.Variable(domain.FeatLookalike, cel.DoubleType),
		cel.Variable(domain.FeatScamTerms, cel.ListType(cel.StringType)),
		cel.Variable(domain.FeatUrgencyTerms, cel.ListType(cel.StringType)),
		cel.Variable(domain.FeatSecrecyTerms, cel.ListType(cel.StringType)),
		cel.Variable(domain.FeatHasOTP, cel.BoolType),
		cel.Variable(domain.FeatHasSeed, cel.BoolType),
		cel.Variable(domain.FeatHasUrgency, cel.BoolType),
		cel.Variable(domain.FeatHasSecrecy, cel.BoolType),
		cel.Variable(domain.FeatSenderAddress, cel.StringType),
		cel.Variable(domain.FeatSenderSeen, cel.BoolType),
		cel.Variable(domain.FeatConfirmedMule, cel.BoolType),
		cel.Variable(domain.FeatDomainAgeDays, cel.IntType),
		cel.Variable(domain.FeatHasDomainAge, cel.BoolType),
		cel.Variable(domain.FeatReports90d, cel.IntType),
		cel.Variable(domain.FeatBlacklisted, cel.BoolType),
		cel.Variable(domain.FeatComplaints, cel.IntType),
		cel.Variable(domain.FeatReputationRisk, cel.DoubleType),
		cel.Variable(domain.FeatSenderVelocity, cel.IntType),
		cel.Variable(domain.FeatMetadata, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Compiler{env: env}, nil
}

// Compile validates and compiles one rule condition. The expression
// must be a predicate (return bool).
func (c *Compiler) Compile(rule domain.Rule) (cel.Program, error) {
	ast, issues := c.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: condition must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return program, nil
}

// CompiledRuleset pairs an immutable ruleset with its compiled
// programs, index-aligned with Ruleset.Rules.
type CompiledRuleset struct {
	Ruleset  *domain.Ruleset
	Programs []cel.Program
}

// CompileRuleset compiles every rule of a ruleset. Any failing rule
// fails the whole compilation (publication is fail-closed).
func (c *Compiler) CompileRuleset(rs *domain.Ruleset) (*CompiledRuleset, error) {
	programs := make([]cel.Program, len(rs.Rules))
	for i, rule := range rs.Rules {
		program, err := c.Compile(rule)
		if err != nil {
			return nil, err
		}
		programs[i] = program
	}
	return &CompiledRuleset{Ruleset: rs, Programs: programs}, nil
}

// Engine evaluates compiled rulesets against feature vectors. It holds
// no mutable state across evaluations, so calls may run in parallel
// without coordination.
type Engine struct {
	maxWorkers int
}

// NewEngine creates a rule evaluation engine.
func NewEngine(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Engine{maxWorkers: maxWorkers}
}

// Evaluate runs every rule of the ruleset against the feature vector.
// Rules are independent (they read only the feature vector) so they are
// evaluated on a bounded worker pool; results keep the ruleset's
// declared order. A rule whose condition fails to evaluate is recorded
// as skipped and non-firing, never as an evaluation failure.
func (e *Engine) Evaluate(ctx context.Context, crs *CompiledRuleset, fv *domain.FeatureVector) ([]domain.RuleHit, []domain.SkippedRule) {
	n := len(crs.Ruleset.Rules)
	if n == 0 {
		return nil, nil
	}

	type outcome struct {
		fired bool
		err   error
	}

	outcomes := make([]outcome, n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i := range crs.Ruleset.Rules {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := crs.Programs[idx].Eval(fv.Values)
			if err != nil {
				outcomes[idx] = outcome{err: err}
				return
			}
			fired, ok := out.(types.Bool)
			if !ok {
				outcomes[idx] = outcome{err: fmt.Errorf("condition returned %v, want bool", out.Type())}
				return
			}
			outcomes[idx] = outcome{fired: bool(fired)}
		}(i)
	}

	wg.Wait()

	var hits []domain.RuleHit
	var skipped []domain.SkippedRule

	for i, rule := range crs.Ruleset.Rules {
		switch {
		case outcomes[i].err != nil:
			skipped = append(skipped, domain.SkippedRule{
				RuleID: rule.ID,
				Reason: outcomes[i].err.Error(),
			})
		case outcomes[i].fired:
			hits = append(hits, domain.RuleHit{
				RuleID:      rule.ID,
				Category:    rule.Category,
				Weight:      rule.Weight,
				Explanation: renderExplanation(rule, fv),
				Evidence:    collectEvidence(rule, fv),
				HardStop:    rule.HardStop,
			})
		}
	}

	return hits, skipped
}

// SortHits orders hits by weight descending; equal weights keep their
// ruleset position (stable), so ordering never depends on input sets.
func SortHits(hits []domain.RuleHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Weight > hits[j].Weight
	})
}

// renderExplanation substitutes {feature_key} placeholders in the
// rule's explanation template with extracted values. Falls back to the
// rule description when no template is declared.
func renderExplanation(rule domain.Rule, fv *domain.FeatureVector) string {
	text := rule.Explanation
	if text == "" {
		text = rule.Description
	}
	if !strings.Contains(text, "{") {
		return text
	}
	for key, value := range fv.Values {
		placeholder := "{" + key + "}"
		if strings.Contains(text, placeholder) {
			text = strings.ReplaceAll(text, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return text
}

// collectEvidence captures the values of every feature the condition
// references, so the persisted hit is reviewable without re-running
// extraction.
func collectEvidence(rule domain.Rule, fv *domain.FeatureVector) map[string]interface{} {
	evidence := make(map[string]interface{})
	for key, value := range fv.Values {
		if key == domain.FeatMetadata || key == domain.FeatTextRaw || key == domain.FeatText {
			continue
		}
		if containsWord(rule.Condition, key) {
			evidence[key] = value
		}
	}
	if len(evidence) == 0 {
		return nil
	}
	return evidence
}

// containsWord reports whether ident appears in expr as a standalone
// identifier (avoids text_len matching inside another name).
func containsWord(expr, ident string) bool {
	idx := 0
	for {
		i := strings.Index(expr[idx:], ident)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(ident)
		beforeOK := start == 0 || !isIdentChar(expr[start-1])
		afterOK := end == len(expr) || !isIdentChar(expr[end])
		if beforeOK && afterOK {
			return true
		}
		idx = end
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
