package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/gatewarden/internal/gate"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"
	"go.uber.org/zap"
)

const celCostLimit = 10000

// compiledRule pairs a rule with its program. prg is nil for rules
// without a condition.
type compiledRule struct {
	Rule
	prg cel.Program
}

type compiledPolicy struct {
	policy *Policy
	gates  map[gate.Gate][]compiledRule
}

// Gateway evaluates gate requests against the installed policy.
// It implements gate.Gateway.
type Gateway struct {
	env    *cel.Env
	logger *zap.Logger

	mu     sync.RWMutex
	active *compiledPolicy
	path   string
}

// NewGateway compiles p and returns a gateway serving it. path records
// where the policy came from and may be empty for the bundled policy.
func NewGateway(p *Policy, path string, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env, err := cel.NewEnv(
		cel.Variable("gate", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("actor", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	g := &Gateway{env: env, logger: logger, path: path}
	if err := g.Replace(p); err != nil {
		return nil, err
	}
	return g, nil
}

// Replace validates and compiles p, then swaps it in. On error the
// current policy stays active.
func (g *Gateway) Replace(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	cp, err := g.compile(p)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.active = cp
	g.mu.Unlock()
	g.logger.Info("policy installed",
		zap.String("policy_id", p.PolicyID),
		zap.String("policy_version", p.PolicyVersion))
	return nil
}

func (g *Gateway) compile(p *Policy) (*compiledPolicy, error) {
	cp := &compiledPolicy{policy: p, gates: make(map[gate.Gate][]compiledRule, len(p.Gates))}
	for code, gp := range p.Gates {
		rules := make([]compiledRule, 0, len(gp.Rules))
		for _, r := range gp.Rules {
			cr := compiledRule{Rule: r}
			if r.When != "" {
				ast, issues := g.env.Compile(r.When)
				if issues != nil && issues.Err() != nil {
					return nil, fmt.Errorf("%w: gate %s rule %s: %v", ErrInvalidPolicy, code, r.ID, issues.Err())
				}
				if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
					return nil, fmt.Errorf("%w: gate %s rule %s: condition returns %s, want bool", ErrInvalidPolicy, code, r.ID, out)
				}
				prg, err := g.env.Program(ast,
					cel.InterruptCheckFrequency(100),
					cel.CostLimit(celCostLimit),
				)
				if err != nil {
					return nil, fmt.Errorf("%w: gate %s rule %s: %v", ErrInvalidPolicy, code, r.ID, err)
				}
				cr.prg = prg
			}
			rules = append(rules, cr)
		}
		cp.gates[code] = rules
	}
	return cp, nil
}

// Policy returns a copy of the active policy.
func (g *Gateway) Policy() *Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cp := *g.active.policy
	return &cp
}

// Path returns the file the policy was loaded from, if any.
func (g *Gateway) Path() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.path
}

// SetPath records a new backing file, e.g. after Save.
func (g *Gateway) SetPath(path string) {
	g.mu.Lock()
	g.path = path
	g.mu.Unlock()
}

// Evaluate implements gate.Gateway. The citation check runs before the
// rules on gates that enable it; otherwise the first matching rule wins
// and the gate default (ALLOW when unset) applies when none match.
// A condition that fails to evaluate is returned as an error so the
// caller fails closed.
func (g *Gateway) Evaluate(ctx context.Context, req gate.Request) (gate.Result, error) {
	if err := ctx.Err(); err != nil {
		return gate.Result{}, err
	}
	g.mu.RLock()
	cp := g.active
	g.mu.RUnlock()

	p := cp.policy
	evidence := map[string]any{
		"policy_id":      p.PolicyID,
		"policy_version": p.PolicyVersion,
	}

	gp := p.Gates[req.Gate]
	if gp.CitationPolicy {
		claim := IsRegulatoryClaim(req.Payload)
		citations := CitationCount(req.Payload)
		evidence["regulatory_claim"] = claim
		evidence["citation_count"] = citations
		if claim && citations == 0 {
			evidence["rule_id"] = "citation_policy"
			return gate.Result{
				Decision:        gate.Deny,
				ControlsApplied: []string{"citation_check"},
				Evidence:        evidence,
				DenialReason:    CitationReason,
			}, nil
		}
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	vars := map[string]any{
		"gate":    string(req.Gate),
		"action":  req.Action,
		"actor":   req.ActorID,
		"payload": payload,
	}

	for _, r := range cp.gates[req.Gate] {
		matched := true
		if r.prg != nil {
			out, _, err := r.prg.Eval(vars)
			if err != nil {
				return gate.Result{}, fmt.Errorf("evaluating rule %s at %s: %w", r.ID, req.Gate, err)
			}
			b, ok := out.Value().(bool)
			if !ok {
				return gate.Result{}, errors.New("rule " + r.ID + " did not return a bool")
			}
			matched = b
		}
		if !matched {
			continue
		}
		evidence["rule_id"] = r.ID
		res := gate.Result{
			Decision:        r.Decision,
			ControlsApplied: append([]string{}, r.Controls...),
			Evidence:        evidence,
		}
		if r.Reason != "" {
			evidence["reason"] = r.Reason
		}
		if r.Decision == gate.Deny {
			res.DenialReason = r.Reason
			if res.DenialReason == "" {
				res.DenialReason = "denied by rule " + r.ID
			}
		}
		return res, nil
	}

	decision := gp.Default
	if decision == "" {
		decision = gate.Allow
	}
	evidence["rule_id"] = "default"
	res := gate.Result{Decision: decision, ControlsApplied: []string{}, Evidence: evidence}
	if gp.DefaultReason != "" {
		evidence["reason"] = gp.DefaultReason
	}
	if decision == gate.Deny {
		res.DenialReason = gp.DefaultReason
		if res.DenialReason == "" {
			res.DenialReason = "denied by gate default"
		}
	}
	return res, nil
}

var _ gate.Gateway = (*Gateway)(nil)
