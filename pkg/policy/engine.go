package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/stratus-iac/stratus/pkg/engine"
)

// Engine evaluates plans against the loaded policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	logger   zerolog.Logger
}

// NewEngine creates a policy engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) *Engine {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range BuiltinPolicies() {
		cp := p
		e.policies[p.Name] = &cp
	}
	return e
}

// Register adds or replaces a policy.
func (e *Engine) Register(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &p
}

// Replace swaps the full set of operator policies, keeping built-ins.
// Used by the loader on hot reload.
func (e *Engine) Replace(policies []Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*Policy)
	for _, p := range BuiltinPolicies() {
		cp := p
		e.policies[p.Name] = &cp
	}
	for _, p := range policies {
		cp := p
		e.policies[p.Name] = &cp
	}
}

// ListPolicies returns the loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, *p)
	}
	return out
}

// EvaluatePlan runs every enabled policy against the plan. The plan is
// allowed unless a violation with error severity fires.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := planInput(plan)
	result := &Result{Allowed: true, EvaluatedAt: time.Now().UTC()}

	for _, p := range e.policies {
		if !p.Enabled {
			continue
		}
		violations, err := e.evaluate(ctx, p, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("policy evaluation failed")
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", p.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == string(SeverityError) {
			result.Allowed = false
			break
		}
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Msg("plan policy evaluation completed")

	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, p *Policy, input *PlanInput) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, newViolation(p, d))
			}
		}
	}
	return violations, nil
}

func newViolation(p *Policy, result interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: string(p.Severity),
	}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = sev
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func packageName(module string) string {
	for _, line := range strings.Split(module, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stratus.policies"
}

func planInput(plan *engine.Plan) *PlanInput {
	input := &PlanInput{Deployment: plan.Deployment}
	for _, step := range plan.Steps {
		input.Steps = append(input.Steps, StepInput{
			Name:    step.Node.Name,
			Kind:    step.Node.Kind,
			Op:      string(step.Op),
			Changed: step.Changed,
			Forces:  step.Forces,
			Attrs:   step.Node.Attrs,
		})
	}
	return input
}
