package gate

import "strings"

// Decision is a gate verdict or a recorded human resolution.
type Decision string

const (
	Allow             Decision = "ALLOW"
	AllowWithControls Decision = "ALLOW_WITH_CONTROLS"
	Deny              Decision = "DENY"
	RequireApproval   Decision = "REQUIRE_APPROVAL"
	Escalate          Decision = "ESCALATE"

	// Human resolutions, only ever written by the orchestrator.
	Approved      Decision = "APPROVED"
	Rejected      Decision = "REJECTED"
	DeniedByHuman Decision = "DENIED_BY_HUMAN"
)

// Normalize maps a gateway verdict onto the set the pipeline acts on.
// Anything that is not a gateway verdict becomes Deny.
func Normalize(d Decision) Decision {
	switch Decision(strings.ToUpper(strings.TrimSpace(string(d)))) {
	case Allow:
		return Allow
	case AllowWithControls:
		return AllowWithControls
	case Deny:
		return Deny
	case RequireApproval:
		return RequireApproval
	case Escalate:
		return Escalate
	default:
		return Deny
	}
}

// Permits reports whether the decision lets the action proceed.
func (d Decision) Permits() bool {
	return d == Allow || d == AllowWithControls || d == Approved
}

// Known reports whether d is any recognised decision value.
func (d Decision) Known() bool {
	switch d {
	case Allow, AllowWithControls, Deny, RequireApproval, Escalate, Approved, Rejected, DeniedByHuman:
		return true
	}
	return false
}

func (d Decision) String() string { return string(d) }
