package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Rule is a named CEL expression that must evaluate to true for admission.
//
// Expressions see two variables:
//
//	action:   {type, actor, added, removed, synthetic_added, has_override}
//	snapshot: {trust, confidence, fragility, debt, risk, threshold, evidence, rule_version}
type Rule struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// ExprPolicy evaluates CEL rules with a compiled program cache.
type ExprPolicy struct {
	env      *cel.Env
	rules    []Rule
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewExprPolicy compiles rules eagerly so malformed expressions fail at startup.
func NewExprPolicy(rules ...Rule) (*ExprPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("snapshot", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	p := &ExprPolicy{env: env, rules: rules, prgCache: make(map[string]cel.Program)}
	for _, r := range rules {
		if _, err := p.program(r.Expr); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return p, nil
}

func (*ExprPolicy) Name() string { return "expr" }

func (p *ExprPolicy) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, hit := p.prgCache[expr]
	p.mu.RUnlock()
	if hit {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, hit = p.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := p.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	p.prgCache[expr] = prg
	return prg, nil
}

func activation(req Request) map[string]any {
	var synthetic int64
	for _, r := range req.Delta.AddedReviews {
		if r.IsSynthetic() {
			synthetic++
		}
	}
	s := req.Current
	return map[string]any{
		"action": map[string]any{
			"type":            string(req.Type),
			"actor":           req.Actor,
			"added":           int64(len(req.Delta.AddedReviews)),
			"removed":         int64(len(req.Delta.RemovedReviewIDs)),
			"synthetic_added": synthetic,
			"has_override":    req.Delta.ThresholdOverride != nil,
		},
		"snapshot": map[string]any{
			"trust":        s.Outputs.TrustScore,
			"confidence":   s.Outputs.ConfidenceScore,
			"fragility":    s.Outputs.FragilityScore,
			"debt":         s.Outputs.TrustDebt,
			"risk":         s.Outputs.RiskScore,
			"threshold":    s.Threshold,
			"evidence":     int64(len(s.Evidence)),
			"rule_version": s.RuleVersion,
		},
	}
}

// Admit denies on the first rule that evaluates to false.
func (p *ExprPolicy) Admit(ctx context.Context, req Request) (Decision, error) {
	input := activation(req)
	for _, r := range p.rules {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		prg, err := p.program(r.Expr)
		if err != nil {
			return Decision{}, err
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return Decision{}, fmt.Errorf("rule %q: eval: %w", r.Name, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return Decision{}, fmt.Errorf("rule %q: result not bool", r.Name)
		}
		if !ok {
			return Deny(p.Name(), "rule %q rejected action", r.Name), nil
		}
	}
	return Allow(p.Name()), nil
}
