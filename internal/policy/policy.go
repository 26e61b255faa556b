// Package policy is the reference Decision Gateway: a JSON policy file
// whose per-gate rules are CEL expressions over the action being gated.
package policy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/gatewarden/internal/gate"
)

//go:embed default_policy.json
var defaultPolicy []byte

// ErrInvalidPolicy wraps every policy validation failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy is the on-disk policy document.
type Policy struct {
	PolicyID      string                   `json:"policy_id"`
	PolicyVersion string                   `json:"policy_version"`
	Description   string                   `json:"description,omitempty"`
	Gates         map[gate.Gate]GatePolicy `json:"gates"`
}

// GatePolicy holds the ordered rules for one gate.
type GatePolicy struct {
	Default       gate.Decision `json:"default,omitempty"`
	DefaultReason string        `json:"default_reason,omitempty"`
	// CitationPolicy enables the regulatory-claim citation check.
	CitationPolicy bool   `json:"citation_policy,omitempty"`
	Rules          []Rule `json:"rules,omitempty"`
}

// Rule matches when When evaluates to true. An empty When always matches.
type Rule struct {
	ID          string        `json:"id"`
	Description string        `json:"description,omitempty"`
	When        string        `json:"when,omitempty"`
	Decision    gate.Decision `json:"decision"`
	Controls    []string      `json:"controls,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// Default returns the bundled bank_compliance_v1 policy.
func Default() *Policy {
	p, err := Parse(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("policy: bundled policy is invalid: %v", err))
	}
	return p
}

// Parse decodes a policy and checks its structure. CEL compilation
// happens when the policy is installed into a Gateway.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads and parses a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks ids, gate codes and decisions.
func (p *Policy) Validate() error {
	if p.PolicyID == "" {
		return fmt.Errorf("%w: policy_id is required", ErrInvalidPolicy)
	}
	if p.PolicyVersion == "" {
		return fmt.Errorf("%w: policy_version is required", ErrInvalidPolicy)
	}
	for g, gp := range p.Gates {
		if !g.Valid() {
			return fmt.Errorf("%w: unknown gate %q", ErrInvalidPolicy, g)
		}
		if gp.Default != "" && !isVerdict(gp.Default) {
			return fmt.Errorf("%w: gate %s: invalid default decision %q", ErrInvalidPolicy, g, gp.Default)
		}
		seen := make(map[string]bool, len(gp.Rules))
		for i, r := range gp.Rules {
			if r.ID == "" {
				return fmt.Errorf("%w: gate %s rule %d: id is required", ErrInvalidPolicy, g, i)
			}
			if seen[r.ID] {
				return fmt.Errorf("%w: gate %s: duplicate rule id %q", ErrInvalidPolicy, g, r.ID)
			}
			seen[r.ID] = true
			if !isVerdict(r.Decision) {
				return fmt.Errorf("%w: gate %s rule %s: invalid decision %q", ErrInvalidPolicy, g, r.ID, r.Decision)
			}
		}
	}
	return nil
}

// isVerdict reports whether d is something a gateway may return.
func isVerdict(d gate.Decision) bool {
	switch d {
	case gate.Allow, gate.AllowWithControls, gate.Deny, gate.RequireApproval, gate.Escalate:
		return true
	}
	return false
}

// Save writes p as indented JSON, replacing path atomically.
func Save(path string, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".policy-*.json")
	if err != nil {
		return fmt.Errorf("creating temp policy file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing policy: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
