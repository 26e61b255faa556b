package gate

import (
	"context"
	"errors"
	"fmt"
)

// ReasonGateUnavailable is the denial reason recorded when the gateway errors.
const ReasonGateUnavailable = "GATE_UNAVAILABLE"

// ErrGateUnavailable wraps gateway failures.
var ErrGateUnavailable = errors.New("gate unavailable")

// Request is one action presented at one gate.
type Request struct {
	Gate    Gate           `json:"gate"`
	Action  string         `json:"action"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the gateway's verdict.
type Result struct {
	Decision        Decision       `json:"decision"`
	ControlsApplied []string       `json:"controls_applied"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	DenialReason    string         `json:"denial_reason,omitempty"`
}

// Gateway decides what happens to an action at a gate.
type Gateway interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (Result, error)

func (f GatewayFunc) Evaluate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// EvaluateClosed calls the gateway and fails closed: a gateway error
// becomes a Deny with ReasonGateUnavailable, and an unknown decision
// becomes a Deny. The returned error is non-nil only for gateway failures,
// for logging; the Result is always usable.
func EvaluateClosed(ctx context.Context, gw Gateway, req Request) (Result, error) {
	if gw == nil {
		return unavailable(req, errors.New("no gateway configured")), ErrGateUnavailable
	}

	res, err := gw.Evaluate(ctx, req)
	if err != nil {
		return unavailable(req, err), fmt.Errorf("%w: %s at %s: %v", ErrGateUnavailable, req.Action, req.Gate, err)
	}

	raw := res.Decision
	res.Decision = Normalize(raw)
	if res.Decision == Deny && raw != Deny && res.DenialReason == "" {
		res.DenialReason = fmt.Sprintf("unknown decision %q treated as DENY", raw)
	}
	if res.ControlsApplied == nil {
		res.ControlsApplied = []string{}
	}
	return res, nil
}

func unavailable(req Request, cause error) Result {
	return Result{
		Decision:        Deny,
		ControlsApplied: []string{},
		Evidence: map[string]any{
			"error": cause.Error(),
			"gate":  string(req.Gate),
		},
		DenialReason: ReasonGateUnavailable,
	}
}
